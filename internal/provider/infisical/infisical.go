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

// Package infisical resolves secrets from an Infisical instance,
// authenticating via Universal Auth (client-id + client-secret).
package infisical

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/pkg/httpclient"
	"github.com/locketsh/locket/pkg/secret"
)

const (
	name             = "infisical"
	defaultConcCap   = 20
	maxResponseBytes = 1 << 20
)

// Config configures the infisical client.
type Config struct {
	// SiteURL is the Infisical instance base URL.
	SiteURL string

	// ClientID and ClientSecret are the Universal Auth machine identity
	// credentials.
	ClientID     string
	ClientSecret string

	// DefaultEnv, DefaultPath, DefaultProjectID, DefaultKind fill in query
	// parameters a reference omits, per spec.
	DefaultEnv       string
	DefaultPath      string
	DefaultProjectID string
	DefaultKind      string

	// ConcurrencyCap bounds outstanding requests. Default 20.
	ConcurrencyCap int

	// HTTPClient overrides the transport used for the underlying requests
	// (both token acquisition and secret fetches), for tests.
	HTTPClient *http.Client
}

// Client resolves infisical:/// references.
type Client struct {
	cfg        Config
	tokenSrc   oauth2.TokenSource
	httpClient *http.Client
}

// New returns a Client for cfg, applying defaults.
func New(cfg Config) (*Client, error) {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = defaultConcCap
	}

	httpC := cfg.HTTPClient
	if httpC == nil {
		hc := httpclient.DefaultConfig()
		hc.UserAgent = "locket-infisical/1.0"
		var err error
		httpC, err = httpclient.New(hc)
		if err != nil {
			return nil, err
		}
	}

	return &Client{cfg: cfg, httpClient: httpC}, nil
}

var _ provider.Client = (*Client)(nil)

func (c *Client) Name() string        { return name }
func (c *Client) MaxBatchSize() int   { return 1 }
func (c *Client) ConcurrencyCap() int { return c.cfg.ConcurrencyCap }

// Validate rejects references whose required parameters are still missing
// after defaults would be applied. This mirrors ApplyDefaults so the
// structural check done at configuration time matches what Prepare/
// FetchOne will actually see.
func (c *Client) Validate(ref reference.Reference) error {
	if ref.Provider != reference.ProviderInfisical {
		return &locketerr.ProviderError{
			Kind:     locketerr.Malformed,
			Provider: name,
			Message:  fmt.Sprintf("reference provider %q is not infisical", ref.Provider),
		}
	}
	resolved := ref.ApplyDefaults(c.cfg.DefaultEnv, c.cfg.DefaultPath, c.cfg.DefaultProjectID, c.cfg.DefaultKind)
	if resolved.Env == "" || resolved.ProjectID == "" || resolved.Key == "" {
		return &locketerr.ProviderError{
			Kind:      locketerr.Malformed,
			Provider:  name,
			Reference: ref.Fingerprint(),
			Message:   "reference is missing env, project_id, or key after defaults",
		}
	}
	return nil
}

// Prepare obtains the Universal Auth machine identity token source.
func (c *Client) Prepare(ctx context.Context) error {
	if c.cfg.SiteURL == "" {
		return &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Message: "site url is not configured"}
	}
	if c.cfg.ClientID == "" || c.cfg.ClientSecret == "" {
		return &locketerr.ProviderError{Kind: locketerr.AuthFailure, Provider: name, Message: "client id/secret are not configured"}
	}

	ccCfg := clientcredentials.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		TokenURL:     c.cfg.SiteURL + "/api/v1/auth/universal-auth/login",
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	c.tokenSrc = ccCfg.TokenSource(ctx)

	if _, err := c.tokenSrc.Token(); err != nil {
		return &locketerr.ProviderError{Kind: locketerr.AuthFailure, Provider: name, Message: "universal auth login failed", Cause: err}
	}
	return nil
}

type secretResponse struct {
	SecretValue string `json:"secretValue"`
}

func (c *Client) FetchOne(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
	ref = ref.ApplyDefaults(c.cfg.DefaultEnv, c.cfg.DefaultPath, c.cfg.DefaultProjectID, c.cfg.DefaultKind)
	if err := c.Validate(ref); err != nil {
		return nil, err
	}

	if c.tokenSrc == nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.AuthFailure, Provider: name, Reference: ref.Fingerprint(), Message: "client not prepared"}
	}
	tok, err := c.tokenSrc.Token()
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.AuthFailure, Provider: name, Reference: ref.Fingerprint(), Message: "token refresh failed", Cause: err}
	}

	q := url.Values{}
	q.Set("workspaceId", ref.ProjectID)
	q.Set("environment", ref.Env)
	if ref.Path != "" {
		q.Set("secretPath", ref.Path)
	}
	if ref.Kind != "" {
		q.Set("type", ref.Kind)
	}

	endpoint := fmt.Sprintf("%s/api/v3/secrets/raw/%s?%s", c.cfg.SiteURL, url.PathEscape(ref.Key), q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Reference: ref.Fingerprint(), Message: "building request", Cause: err}
	}
	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Reference: ref.Fingerprint(), Message: "secrets request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Transient, Provider: name, Reference: ref.Fingerprint(), Message: "reading secrets response", Cause: err}
	}

	if kind, ok := statusKind(resp.StatusCode); !ok {
		return nil, &locketerr.ProviderError{Kind: kind, Provider: name, Reference: ref.Fingerprint(), Message: fmt.Sprintf("infisical returned status %d", resp.StatusCode)}
	}

	var parsed struct {
		Secret secretResponse `json:"secret"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &locketerr.ProviderError{Kind: locketerr.Malformed, Provider: name, Reference: ref.Fingerprint(), Message: "decoding secrets response", Cause: err}
	}

	return secret.New([]byte(parsed.Secret.SecretValue), secret.Origin{Fingerprint: ref.Fingerprint(), Provider: name}), nil
}

func (c *Client) FetchMany(ctx context.Context, refs []reference.Reference) (map[reference.Reference]provider.Result, error) {
	return provider.FanOut(ctx, refs, c.ConcurrencyCap(), c.FetchOne), nil
}

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
