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

// Package opconnect resolves secrets against a 1Password Connect host over
// HTTP, authenticating with a bearer token.
package opconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/pkg/httpclient"
	"github.com/locketsh/locket/pkg/secret"
)

const (
	name                = "opconnect"
	defaultConcCap      = 20
	maxResponseBytes    = 1 << 20
	clientRetryAttempts = 3
)

// Config configures the op-connect client.
type Config struct {
	// Host is the Connect server base URL, e.g. https://connect.example.com.
	Host string

	// Token is the bearer token presented to Connect.
	Token string

	// ConcurrencyCap bounds outstanding requests. Default 20.
	ConcurrencyCap int

	// HTTPClient overrides the client used for requests, for tests.
	HTTPClient *http.Client
}

// Client resolves opconnect:// references against a Connect host.
type Client struct {
	cfg    Config
	client *http.Client
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
		hc.UserAgent = "locket-opconnect/1.0"
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
	if ref.Provider != reference.ProviderOpConnect {
		return &locketerr.ProviderError{
			Kind:     locketerr.Malformed,
			Provider: name,
			Message:  fmt.Sprintf("reference provider %q is not opconnect", ref.Provider),
		}
	}
	return ref.Validate()
}

// Prepare validates the configured host URL and checks that a bearer token
// is set. The token is also run through an unverified JWT parse whose
// result is discarded: Connect tokens are treated as opaque and no
// signature verification is performed.
func (c *Client) Prepare(ctx context.Context) error {
	if c.cfg.Host == "" {
		return &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Message: "connect host is not configured"}
	}
	if _, err := url.ParseRequestURI(c.cfg.Host); err != nil {
		return &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Message: "connect host is not a valid URL", Cause: err}
	}
	if c.cfg.Token == "" {
		return &locketerr.ProviderError{Kind: locketerr.AuthFailure, Provider: name, Message: "bearer token is not configured"}
	}
	_, _, _ = jwt.NewParser().ParseUnverified(c.cfg.Token, jwt.MapClaims{})
	return nil
}

func (c *Client) FetchOne(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
	op := func() (*secret.Resolved, error) {
		s, err := c.fetchOnce(ctx, ref)
		if err != nil && locketerr.IsTransient(err) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return s, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(clientRetryAttempts),
	)
	return result, err
}

func (c *Client) FetchMany(ctx context.Context, refs []reference.Reference) (map[reference.Reference]provider.Result, error) {
	results := provider.FanOut(ctx, refs, c.ConcurrencyCap(), c.FetchOne)
	return results, nil
}

type connectItemResponse struct {
	Fields []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Value string `json:"value"`
	} `json:"fields"`
	Sections []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	} `json:"sections"`
}

// fetchOnce performs one Connect API round-trip: fetch the vault/item and
// return the first field whose label matches. When the reference names a
// section, the item must also contain a section with that label; which
// section the field itself belongs to is not checked.
func (c *Client) fetchOnce(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
	endpoint := fmt.Sprintf("%s/v1/vaults/%s/items/%s", c.cfg.Host, url.PathEscape(ref.Vault), url.PathEscape(ref.Item))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Reference: ref.Fingerprint(), Message: "building request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Reference: ref.Fingerprint(), Message: "connect request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Reference: ref.Fingerprint(), Message: "reading connect response", Cause: err}
	}

	if kind, ok := statusKind(resp.StatusCode); !ok {
		pe := &locketerr.ProviderError{Kind: kind, Provider: name, Reference: ref.Fingerprint(), Message: fmt.Sprintf("connect returned status %d", resp.StatusCode)}
		if kind == locketerr.Transient {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil {
					pe.RetryAfter = &secs
				}
			}
		}
		return nil, pe
	}

	var item connectItemResponse
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Reference: ref.Fingerprint(), Message: "decoding connect response", Cause: err}
	}

	for _, f := range item.Fields {
		if f.Label != ref.Field {
			continue
		}
		if ref.Section != "" {
			matched := false
			for _, s := range item.Sections {
				if s.Label == ref.Section {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		return secret.New([]byte(f.Value), secret.Origin{Fingerprint: ref.Fingerprint(), Provider: name}), nil
	}

	return nil, &locketerr.ProviderError{Kind: locketerr.NotFound, Provider: name, Reference: ref.Fingerprint(), Message: "field not found in item"}
}

// statusKind maps an HTTP status to a ProviderErrorKind; ok is false when
// the status indicates an error worth reporting (200 returns ok=true with
// an unused kind).
func statusKind(status int) (locketerr.ProviderErrorKind, bool) {
	switch {
	case status == http.StatusOK:
		return "", true
	case status == http.StatusUnauthorized:
		return locketerr.AuthFailure, false
	case status == http.StatusForbidden:
		return locketerr.PermissionDenied, false
	case status == http.StatusNotFound:
		return locketerr.NotFound, false
	case status == http.StatusTooManyRequests:
		return locketerr.Transient, false
	case status >= 500:
		return locketerr.Transient, false
	default:
		return locketerr.Malformed, false
	}
}
