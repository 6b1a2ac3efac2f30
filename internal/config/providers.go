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

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/provider/bws"
	"github.com/locketsh/locket/internal/provider/infisical"
	"github.com/locketsh/locket/internal/provider/op"
	"github.com/locketsh/locket/internal/provider/opconnect"
	"github.com/locketsh/locket/internal/reference"
)

// ProvidersConfig holds per-provider connection settings. A nil field
// means that provider is not configured; the provider's own environment
// variables can still activate it at runtime even when the config file
// is silent (see ApplyEnv).
type ProvidersConfig struct {
	Op        *OpConfig        `yaml:"op,omitempty"`
	OpConnect *OpConnectConfig `yaml:"opconnect,omitempty"`
	Bws       *BwsConfig       `yaml:"bws,omitempty"`
	Infisical *InfisicalConfig `yaml:"infisical,omitempty"`
}

// OpConfig configures the op CLI provider.
type OpConfig struct {
	ConfigDir      string `yaml:"config_dir,omitempty"`
	ConcurrencyCap int    `yaml:"concurrency_cap,omitempty"`
}

// OpConnectConfig configures the 1Password Connect provider.
type OpConnectConfig struct {
	Host           string `yaml:"host,omitempty"`
	Token          string `yaml:"token,omitempty"`
	ConcurrencyCap int    `yaml:"concurrency_cap,omitempty"`
}

// BwsConfig configures the Bitwarden Secrets Manager provider.
type BwsConfig struct {
	IdentityURL    string `yaml:"identity_url,omitempty"`
	APIURL         string `yaml:"api_url,omitempty"`
	AccessToken    string `yaml:"access_token,omitempty"`
	ConcurrencyCap int    `yaml:"concurrency_cap,omitempty"`
}

// InfisicalConfig configures the Infisical provider.
type InfisicalConfig struct {
	SiteURL          string `yaml:"site_url,omitempty"`
	ClientID         string `yaml:"client_id,omitempty"`
	ClientSecret     string `yaml:"client_secret,omitempty"`
	DefaultEnv       string `yaml:"default_env,omitempty"`
	DefaultPath      string `yaml:"default_path,omitempty"`
	DefaultProjectID string `yaml:"default_project_id,omitempty"`
	DefaultKind      string `yaml:"default_kind,omitempty"`
}

// ApplyEnv overlays each provider's own token/URL environment variables
// onto p. Config file values take precedence when already set; an
// environment variable only fills a gap the file left empty.
// SECRETS_PROVIDER is not read: every provider whose variables are set
// is activated.
func (p *ProvidersConfig) ApplyEnv() {
	if v := os.Getenv("OP_SERVICE_ACCOUNT_TOKEN"); v != "" {
		// The op CLI itself reads OP_SERVICE_ACCOUNT_TOKEN from the
		// client's environment; locket only needs to know op is active.
		if p.Op == nil {
			p.Op = &OpConfig{}
		}
	}

	if host, token := os.Getenv("OP_CONNECT_HOST"), os.Getenv("OP_CONNECT_TOKEN"); host != "" || token != "" {
		if p.OpConnect == nil {
			p.OpConnect = &OpConnectConfig{}
		}
		if p.OpConnect.Host == "" {
			p.OpConnect.Host = host
		}
		if p.OpConnect.Token == "" {
			p.OpConnect.Token = token
		}
	}

	if token := os.Getenv("BWS_MACHINE_TOKEN"); token != "" || os.Getenv("BWS_API_URL") != "" {
		if p.Bws == nil {
			p.Bws = &BwsConfig{}
		}
		if p.Bws.AccessToken == "" {
			p.Bws.AccessToken = token
		}
		if p.Bws.APIURL == "" {
			p.Bws.APIURL = os.Getenv("BWS_API_URL")
		}
		if p.Bws.IdentityURL == "" {
			p.Bws.IdentityURL = os.Getenv("BWS_IDENTITY_URL")
		}
	}

	if url, id, secret := os.Getenv("INFISICAL_URL"), os.Getenv("INFISICAL_CLIENT_ID"), os.Getenv("INFISICAL_CLIENT_SECRET"); url != "" || id != "" || secret != "" {
		if p.Infisical == nil {
			p.Infisical = &InfisicalConfig{}
		}
		if p.Infisical.SiteURL == "" {
			p.Infisical.SiteURL = url
		}
		if p.Infisical.ClientID == "" {
			p.Infisical.ClientID = id
		}
		if p.Infisical.ClientSecret == "" {
			p.Infisical.ClientSecret = secret
		}
	}
}

// resolveSecretValue implements the `file:/path` indirection spec §6
// describes: a value prefixed with "file:" is read from that path and
// trimmed of trailing newlines; any other value is returned as-is.
func resolveSecretValue(raw string) (string, error) {
	path, ok := strings.CutPrefix(raw, "file:")
	if !ok {
		return raw, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %q: %w", path, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// BuildRegistry constructs a provider.Registry from p, registering a
// client for every provider with enough configuration to Prepare, and
// resolving `file:` token indirection along the way.
func BuildRegistry(p ProvidersConfig) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if p.Op != nil {
		registry.Register(reference.ProviderOp, op.New(op.Config{
			ConfigDir:      p.Op.ConfigDir,
			ConcurrencyCap: p.Op.ConcurrencyCap,
		}))
	}

	if p.OpConnect != nil {
		token, err := resolveSecretValue(p.OpConnect.Token)
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "providers.opconnect.token", Reason: err.Error(), Cause: err}
		}
		client, err := opconnect.New(opconnect.Config{
			Host:           p.OpConnect.Host,
			Token:          token,
			ConcurrencyCap: p.OpConnect.ConcurrencyCap,
		})
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "providers.opconnect", Reason: err.Error(), Cause: err}
		}
		registry.Register(reference.ProviderOpConnect, client)
	}

	if p.Bws != nil {
		token, err := resolveSecretValue(p.Bws.AccessToken)
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "providers.bws.access_token", Reason: err.Error(), Cause: err}
		}
		client, err := bws.New(bws.Config{
			IdentityURL:    p.Bws.IdentityURL,
			APIURL:         p.Bws.APIURL,
			AccessToken:    token,
			ConcurrencyCap: p.Bws.ConcurrencyCap,
		})
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "providers.bws", Reason: err.Error(), Cause: err}
		}
		registry.Register(reference.ProviderBws, client)
	}

	if p.Infisical != nil {
		secret, err := resolveSecretValue(p.Infisical.ClientSecret)
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "providers.infisical.client_secret", Reason: err.Error(), Cause: err}
		}
		client, err := infisical.New(infisical.Config{
			SiteURL:          p.Infisical.SiteURL,
			ClientID:         p.Infisical.ClientID,
			ClientSecret:     secret,
			DefaultEnv:       p.Infisical.DefaultEnv,
			DefaultPath:      p.Infisical.DefaultPath,
			DefaultProjectID: p.Infisical.DefaultProjectID,
			DefaultKind:      p.Infisical.DefaultKind,
		})
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "providers.infisical", Reason: err.Error(), Cause: err}
		}
		registry.Register(reference.ProviderInfisical, client)
	}

	return registry, nil
}
