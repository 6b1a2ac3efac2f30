// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bws resolves secrets from the Bitwarden Secrets Manager API
// using a machine account access token.
package bws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/pkg/httpclient"
	"github.com/locketsh/locket/pkg/secret"
)

const (
	name             = "bws"
	defaultConcCap   = 20
	maxResponseBytes = 1 << 20
)

// Config configures the bws client.
type Config struct {
	// IdentityURL is the Bitwarden identity service base URL, used to
	// exchange the access token for a session token.
	IdentityURL string

	// APIURL is the Secrets Manager API base URL, distinct from IdentityURL.
	APIURL string

	// AccessToken is the machine account access token.
	AccessToken string

	// ConcurrencyCap bounds outstanding requests. Default 20.
	ConcurrencyCap int

	// HTTPClient overrides the client used for requests, for tests.
	HTTPClient *http.Client
}

// Client resolves bare-UUID references against the Bitwarden Secrets
// Manager API.
type Client struct {
	cfg         Config
	client      *http.Client
	sessionTok  string
	sessionDone bool
}

// New returns a Client for cfg, applying defaults and constructing the
// underlying HTTP client if one was not supplied.
func New(cfg Config) (*Client, error) {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = defaultConcCap
	}

	httpC := cfg.HTTPClient
	if httpC == nil {
		hc := httpclient.DefaultConfig()
		hc.UserAgent = "locket-bws/1.0"
		var err error
		httpC, err = httpclient.New(hc)
		if err != nil {
			return nil, err
		}
	}

	return &Client{cfg: cfg, client: httpC}, nil
}

var _ provider.Client = (*Client)(nil)

func (c *Client) Name() string        { return name }
func (c *Client) MaxBatchSize() int   { return 1 }
func (c *Client) ConcurrencyCap() int { return c.cfg.ConcurrencyCap }

func (c *Client) Validate(ref reference.Reference) error {
	if ref.Provider != reference.ProviderBws {
		return &locketerr.ProviderError{
			Kind:     locketerr.Malformed,
			Provider: name,
			Message:  fmt.Sprintf("reference provider %q is not bws", ref.Provider),
		}
	}
	return ref.Validate()
}

type identityTokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Prepare authenticates the configured access token against IdentityURL,
// obtaining the session token used by subsequent API calls.
func (c *Client) Prepare(ctx context.Context) error {
	if c.cfg.IdentityURL == "" || c.cfg.APIURL == "" {
		return &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Message: "identity url and api url are both required"}
	}
	if c.cfg.AccessToken == "" {
		return &locketerr.ProviderError{Kind: locketerr.AuthFailure, Provider: name, Message: "access token is not configured"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.IdentityURL+"/connect/token", nil)
	if err != nil {
		return &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Message: "building identity request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Message: "identity request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Message: "reading identity response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &locketerr.ProviderError{Kind: locketerr.AuthFailure, Provider: name, Message: fmt.Sprintf("identity service returned status %d", resp.StatusCode)}
	}

	var tok identityTokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Message: "decoding identity response", Cause: err}
	}
	c.sessionTok = tok.AccessToken
	c.sessionDone = true
	return nil
}

func (c *Client) FetchOne(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
	tok := c.sessionTok
	if !c.sessionDone {
		tok = c.cfg.AccessToken
	}

	endpoint := fmt.Sprintf("%s/secrets/%s", c.cfg.APIURL, ref.UUID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Reference: ref.Fingerprint(), Message: "building request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Reference: ref.Fingerprint(), Message: "secrets request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Reference: ref.Fingerprint(), Message: "reading secrets response", Cause: err}
	}

	if kind, retryAfter, ok := statusKind(resp); !ok {
		return nil, &locketerr.ProviderError{Kind: kind, Provider: name, Reference: ref.Fingerprint(), Message: fmt.Sprintf("secrets manager returned status %d", resp.StatusCode), RetryAfter: retryAfter}
	}

	var secretResp struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(body, &secretResp); err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Reference: ref.Fingerprint(), Message: "decoding secrets response", Cause: err}
	}

	return secret.New([]byte(secretResp.Value), secret.Origin{Fingerprint: ref.Fingerprint(), Provider: name}), nil
}

func (c *Client) FetchMany(ctx context.Context, refs []reference.Reference) (map[reference.Reference]provider.Result, error) {
	return provider.FanOut(ctx, refs, c.ConcurrencyCap(), c.FetchOne), nil
}

func statusKind(resp *http.Response) (locketerr.ProviderErrorKind, *int, bool) {
	switch {
	case resp.StatusCode == http.StatusOK:
		return "", nil, true
	case resp.StatusCode == http.StatusUnauthorized:
		return locketerr.AuthFailure, nil, false
	case resp.StatusCode == http.StatusForbidden:
		return locketerr.PermissionDenied, nil, false
	case resp.StatusCode == http.StatusNotFound:
		return locketerr.NotFound, nil, false
	case resp.StatusCode == http.StatusTooManyRequests:
		var ra *int
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				ra = &secs
			}
		}
		return locketerr.Transient, ra, false
	case resp.StatusCode >= 500:
		return locketerr.Transient, nil, false
	default:
		return locketerr.Malformed, nil, false
	}
}
