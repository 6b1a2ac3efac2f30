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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/locketsh/locket/internal/reference"
)

func TestLoad_EmptyPathReturnsZeroValueConfig(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Version != 0 || len(cfg.Sources) != 0 {
		t.Fatalf("expected zero-value config, got %+v", cfg)
	}
}

func TestLoad_ParsesYAMLDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "locket.yaml")
	doc := `
version: 1
log:
  level: debug
  format: json
destination:
  inject_policy: passthrough
watch:
  mode: watch
  debounce: 250ms
resolve:
  request_timeout: 5s
sources:
  - src: /tpl
    dst: /out
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("got log config %+v", cfg.Log)
	}
	if cfg.Destination.InjectPolicy != "passthrough" {
		t.Errorf("got inject policy %q", cfg.Destination.InjectPolicy)
	}
	if cfg.Watch.Debounce.Duration() != 250*time.Millisecond {
		t.Errorf("got debounce %v", cfg.Watch.Debounce.Duration())
	}
	if cfg.Resolve.RequestTimeout.Duration() != 5*time.Second {
		t.Errorf("got request timeout %v", cfg.Resolve.RequestTimeout.Duration())
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Src != "/tpl" || cfg.Sources[0].Dst != "/out" {
		t.Errorf("got sources %+v", cfg.Sources)
	}
}

func TestLoad_MissingFileIsConfigError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoad_MalformedYAMLIsConfigError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("sources: [this is not valid"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestValidate_RejectsUnknownInjectPolicy(t *testing.T) {
	cfg := &Config{Destination: DestinationDefaults{InjectPolicy: "explode"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for an unknown inject policy")
	}
}

func TestValidate_RejectsMalformedFileMode(t *testing.T) {
	cfg := &Config{Destination: DestinationDefaults{FileMode: "not-octal"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for a malformed file mode")
	}
}

func TestValidate_RejectsDuplicateSourceDestinations(t *testing.T) {
	cfg := &Config{Sources: []SourceConfig{
		{Src: "/a", Dst: "/out"},
		{Src: "/b", Dst: "/out"},
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for duplicate source destinations")
	}
}

func TestValidate_RejectsInlineSecretWithoutLabel(t *testing.T) {
	cfg := &Config{Secrets: []InlineSecret{{Value: "x"}}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected an error for a label-less inline secret")
	}
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := &Config{
		Destination: DestinationDefaults{InjectPolicy: "error", FileMode: "0600", DirMode: "0700"},
		Watch:       WatchConfig{Mode: "watch"},
		Sources:     []SourceConfig{{Src: "/a", Dst: "/out-a"}},
		Secrets:     []InlineSecret{{Label: "TOKEN", Value: "x"}},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseFileMode(t *testing.T) {
	v, err := ParseFileMode("0600")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 0o600 {
		t.Errorf("got %o, want %o", v, 0o600)
	}

	if _, err := ParseFileMode("rwx"); err == nil {
		t.Fatal("expected an error for a non-octal mode string")
	}
}

func TestProvidersConfig_ApplyEnv_FillsOnlyEmptyFields(t *testing.T) {
	t.Setenv("OP_CONNECT_HOST", "https://connect.example.com")
	t.Setenv("OP_CONNECT_TOKEN", "tok-from-env")
	t.Setenv("BWS_MACHINE_TOKEN", "")
	t.Setenv("BWS_API_URL", "")
	t.Setenv("BWS_IDENTITY_URL", "")
	t.Setenv("INFISICAL_URL", "")
	t.Setenv("INFISICAL_CLIENT_ID", "")
	t.Setenv("INFISICAL_CLIENT_SECRET", "")
	t.Setenv("OP_SERVICE_ACCOUNT_TOKEN", "")

	p := ProvidersConfig{OpConnect: &OpConnectConfig{Host: "https://configured.example.com"}}
	p.ApplyEnv()

	if p.OpConnect.Host != "https://configured.example.com" {
		t.Errorf("config-supplied host should take precedence, got %q", p.OpConnect.Host)
	}
	if p.OpConnect.Token != "tok-from-env" {
		t.Errorf("expected env to fill the empty token, got %q", p.OpConnect.Token)
	}
}

func TestProvidersConfig_ApplyEnv_LeavesUnconfiguredProvidersNil(t *testing.T) {
	t.Setenv("OP_CONNECT_HOST", "")
	t.Setenv("OP_CONNECT_TOKEN", "")
	t.Setenv("BWS_MACHINE_TOKEN", "")
	t.Setenv("BWS_API_URL", "")
	t.Setenv("BWS_IDENTITY_URL", "")
	t.Setenv("INFISICAL_URL", "")
	t.Setenv("INFISICAL_CLIENT_ID", "")
	t.Setenv("INFISICAL_CLIENT_SECRET", "")
	t.Setenv("OP_SERVICE_ACCOUNT_TOKEN", "")

	p := ProvidersConfig{}
	p.ApplyEnv()

	if p.Op != nil || p.OpConnect != nil || p.Bws != nil || p.Infisical != nil {
		t.Fatalf("expected every provider to stay unconfigured, got %+v", p)
	}
}

func TestBuildRegistry_RegistersOnlyConfiguredProviders(t *testing.T) {
	p := ProvidersConfig{
		Op: &OpConfig{ConcurrencyCap: 2},
	}
	registry, err := BuildRegistry(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active := registry.Active()
	if !active[reference.ProviderOp] {
		t.Error("expected op to be registered")
	}
	if active[reference.ProviderBws] || active[reference.ProviderOpConnect] || active[reference.ProviderInfisical] {
		t.Errorf("expected only op to be registered, got %+v", active)
	}
}

func TestBuildRegistry_FileIndirectionResolvesToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("secret-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p := ProvidersConfig{
		Bws: &BwsConfig{AccessToken: "file:" + path, IdentityURL: "https://identity.example.com", APIURL: "https://api.example.com"},
	}
	registry, err := BuildRegistry(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !registry.Active()[reference.ProviderBws] {
		t.Error("expected bws to be registered")
	}
}

func TestBuildRegistry_MissingFileIndirectionIsConfigError(t *testing.T) {
	p := ProvidersConfig{
		Bws: &BwsConfig{AccessToken: "file:/no/such/path"},
	}
	if _, err := BuildRegistry(p); err == nil {
		t.Fatal("expected an error for an unreadable token file")
	}
}
