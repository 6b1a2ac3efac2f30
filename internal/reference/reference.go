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

// Package reference parses the locket secret reference grammar: op-style
// paths, infisical URIs, and bare Bitwarden UUIDs embedded inside
// {{ ... }} placeholders.
package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Provider identifies which backend a Reference resolves against.
type Provider string

const (
	ProviderOp        Provider = "op"
	ProviderOpConnect Provider = "opconnect"
	ProviderBws       Provider = "bws"
	ProviderInfisical Provider = "infisical"
)

// Reference is an immutable, structurally-comparable pointer to a secret.
// Two references with equal fields are the same reference for dedup
// purposes: Go struct equality (==) already gives us that as long as every
// field is comparable, which is why Query is encoded as a sorted string
// rather than a map.
type Reference struct {
	Provider Provider

	// op / opconnect fields
	Vault   string
	Item    string
	Section string
	Field   string

	// bws field
	UUID string

	// infisical fields
	Key       string
	Env       string
	Path      string
	ProjectID string
	Kind      string

	// Query carries provider-opaque query parameters verbatim, encoded in
	// a canonical (sorted) form so structurally-equal references compare
	// equal regardless of original parameter order.
	Query string
}

// Fingerprint returns a deterministic, non-reversible, log-safe identifier
// for the reference, suitable as a cache key and as an error/log label.
func (r Reference) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		r.Provider, r.Vault, r.Item, r.Section, r.Field,
		r.UUID, r.Key, r.Env, r.Path, r.ProjectID, r.Kind)
	sum := h.Sum(nil)
	return string(r.Provider) + ":" + hex.EncodeToString(sum[:6])
}

// String renders a short, secret-free description for diagnostics.
func (r Reference) String() string {
	switch r.Provider {
	case ProviderOp, ProviderOpConnect:
		if r.Section != "" {
			return fmt.Sprintf("%s://%s/%s/%s/%s", r.Provider, r.Vault, r.Item, r.Section, r.Field)
		}
		return fmt.Sprintf("%s://%s/%s/%s", r.Provider, r.Vault, r.Item, r.Field)
	case ProviderBws:
		return fmt.Sprintf("bws://%s", r.UUID)
	case ProviderInfisical:
		return fmt.Sprintf("infisical:///%s", r.Key)
	default:
		return "unknown-reference"
	}
}

var uuidPattern = func() func(string) bool {
	return func(s string) bool {
		_, err := uuid.Parse(s)
		return err == nil
	}
}()

// ParseResult is the outcome of parsing one placeholder body.
type ParseResult struct {
	Reference Reference
	Err       error
}

// ParseBody parses the interior text of a {{ ... }} placeholder (already
// trimmed of surrounding whitespace) into a Reference. active restricts
// which providers are considered configured (nil allows all); a reference
// to an inactive provider fails with a plain error.
func ParseBody(body string, active map[Provider]bool) (Reference, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Reference{}, fmt.Errorf("empty reference body")
	}

	switch {
	case strings.HasPrefix(body, "op://"):
		return parseOpStyle(body, opProvider(active), active)
	case strings.HasPrefix(body, "opconnect://"):
		return parseOpStyle(strings.TrimPrefix(body, "opconnect://"), ProviderOpConnect, active)
	case strings.HasPrefix(body, "infisical:///"):
		return parseInfisical(body, active)
	case uuidPattern(body):
		if active != nil && !active[ProviderBws] {
			return Reference{}, fmt.Errorf("bitwarden provider not active for bare-UUID reference %q", body)
		}
		return Reference{Provider: ProviderBws, UUID: strings.ToLower(body)}, nil
	default:
		return Reference{}, fmt.Errorf("unrecognized reference syntax: %q", body)
	}
}

// opProvider picks which 1Password backend an "op://" reference resolves
// against: the active provider set, not the URI scheme, decides local-CLI
// vs. Connect. ProviderOp is preferred when both happen to be active (or
// when active is nil); ProviderOpConnect is used only when it's the one
// actually configured.
func opProvider(active map[Provider]bool) Provider {
	if active == nil || active[ProviderOp] {
		return ProviderOp
	}
	if active[ProviderOpConnect] {
		return ProviderOpConnect
	}
	return ProviderOp
}

// parseOpStyle parses "VAULT/ITEM[/SECTION]/FIELD[?query]". A leading
// "op://" is stripped here; for opconnect the caller strips the scheme
// before calling, since the path grammar is identical.
func parseOpStyle(body string, provider Provider, active map[Provider]bool) (Reference, error) {
	if active != nil && !active[provider] {
		return Reference{}, fmt.Errorf("%s provider not active", provider)
	}

	path := strings.TrimPrefix(body, "op://")
	var rawQuery string
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		rawQuery = path[idx+1:]
		path = path[:idx]
	}

	segs := strings.Split(path, "/")
	for i, s := range segs {
		decoded, err := url.PathUnescape(s)
		if err != nil {
			return Reference{}, fmt.Errorf("invalid percent-encoding in segment %q: %w", s, err)
		}
		segs[i] = decoded
	}

	var vault, item, section, field string
	switch len(segs) {
	case 3:
		vault, item, field = segs[0], segs[1], segs[2]
	case 4:
		vault, item, section, field = segs[0], segs[1], segs[2], segs[3]
	default:
		return Reference{}, fmt.Errorf("op-style reference needs VAULT/ITEM[/SECTION]/FIELD, got %d segments", len(segs))
	}

	if vault == "" || item == "" || field == "" {
		return Reference{}, fmt.Errorf("op-style reference has an empty required segment")
	}

	return Reference{
		Provider: provider,
		Vault:    vault,
		Item:     item,
		Section:  section,
		Field:    field,
		Query:    canonicalQuery(rawQuery),
	}, nil
}

func parseInfisical(body string, active map[Provider]bool) (Reference, error) {
	if active != nil && !active[ProviderInfisical] {
		return Reference{}, fmt.Errorf("infisical provider not active")
	}

	rest := strings.TrimPrefix(body, "infisical:///")
	key := rest
	var rawQuery string
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		key = rest[:idx]
		rawQuery = rest[idx+1:]
	}
	if key == "" {
		return Reference{}, fmt.Errorf("infisical reference missing key")
	}

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid infisical query: %w", err)
	}

	ref := Reference{
		Provider:  ProviderInfisical,
		Key:       key,
		Env:       values.Get("env"),
		Path:      values.Get("path"),
		ProjectID: values.Get("project_id"),
		Kind:      values.Get("type"),
		Query:     canonicalQuery(rawQuery),
	}
	return ref, nil
}

// canonicalQuery re-encodes a raw query string with sorted keys so that
// structurally identical references (differing only in parameter order)
// compare equal.
func canonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	return values.Encode()
}

// ApplyDefaults fills missing Infisical query parameters from configured
// defaults. A reference still missing required parameters after defaults
// is Malformed at resolve time, not here.
func (r Reference) ApplyDefaults(defaultEnv, defaultPath, defaultProjectID, defaultKind string) Reference {
	if r.Provider != ProviderInfisical {
		return r
	}
	if r.Env == "" {
		r.Env = defaultEnv
	}
	if r.Path == "" {
		r.Path = defaultPath
	}
	if r.ProjectID == "" {
		r.ProjectID = defaultProjectID
	}
	if r.Kind == "" {
		r.Kind = defaultKind
	}
	return r
}

// Validate performs the cheap structural checks each provider's
// Validate() capability must also expose; called by C1 at configuration
// time before any network request.
func (r Reference) Validate() error {
	switch r.Provider {
	case ProviderOp, ProviderOpConnect:
		if r.Vault == "" || r.Item == "" || r.Field == "" {
			return fmt.Errorf("%s reference missing vault/item/field", r.Provider)
		}
	case ProviderBws:
		if _, err := uuid.Parse(r.UUID); err != nil {
			return fmt.Errorf("bws reference is not a valid UUID: %w", err)
		}
	case ProviderInfisical:
		if r.Key == "" {
			return fmt.Errorf("infisical reference missing key")
		}
		if r.Env == "" || r.ProjectID == "" {
			return fmt.Errorf("infisical reference missing required parameter (env or project_id) after defaults")
		}
	default:
		return fmt.Errorf("unknown reference provider %q", r.Provider)
	}
	return nil
}
