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

// Package render substitutes resolved secret values into template bytes
// according to a unit's inject policy.
package render

import (
	"fmt"
	"log/slog"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/pkg/secret"
)

// InjectPolicy governs what the renderer does when a referenced secret
// failed to resolve.
type InjectPolicy string

const (
	// PolicyError aborts the entire cycle for this unit; the destination
	// is left untouched.
	PolicyError InjectPolicy = "error"

	// PolicyPassthrough keeps the original "{{ ... }}" text in place of
	// the failed value and continues rendering other references.
	// "copy-unmodified" is accepted as a synonym (see design notes).
	PolicyPassthrough InjectPolicy = "passthrough"

	// PolicyIgnore removes the placeholder (empty substitution) and logs
	// a warning.
	PolicyIgnore InjectPolicy = "ignore"
)

// NormalizePolicy treats "copy-unmodified" as a synonym for "passthrough",
// per the explicit Open Question resolution: the two names are the same
// policy unless a future test demands otherwise.
func NormalizePolicy(raw string) InjectPolicy {
	switch raw {
	case "", string(PolicyError):
		return PolicyError
	case string(PolicyPassthrough), "copy-unmodified":
		return PolicyPassthrough
	case string(PolicyIgnore):
		return PolicyIgnore
	default:
		return InjectPolicy(raw)
	}
}

// Outcome is one reference's resolution result, as seen by the renderer.
// Exactly one of Secret or Err is set.
type Outcome struct {
	Secret *secret.Resolved
	Err    error
}

// Render substitutes every placeholder in data using results (keyed by
// structural Reference) and the given policy. Non-placeholder bytes,
// including non-UTF-8 bytes, pass through unchanged. maxFileSize bounds
// the size of the *input* template; a template over the bound produces a
// RenderError regardless of policy.
func Render(data []byte, active map[reference.Provider]bool, results map[reference.Reference]Outcome, policy InjectPolicy, maxFileSize int64, destination string, logger *slog.Logger) ([]byte, error) {
	if maxFileSize > 0 && int64(len(data)) > maxFileSize {
		return nil, &locketerr.RenderError{
			Destination: destination,
			Reason:      fmt.Sprintf("template size %d exceeds max_file_size %d", len(data), maxFileSize),
		}
	}

	placeholders := reference.Scan(data)
	if len(placeholders) == 0 {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	out := make([]byte, 0, len(data))
	cursor := 0
	for _, ph := range placeholders {
		out = append(out, data[cursor:ph.Start]...)

		ref, perr := reference.ParseBody(ph.Body, active)
		if perr != nil {
			out, perr = applyFailure(out, data[ph.Start:ph.End], policy, destination, reference.Reference{}, perr, logger)
			if perr != nil {
				return nil, perr
			}
			cursor = ph.End
			continue
		}

		outcome, known := results[ref]
		if !known || outcome.Err != nil {
			var resolveErr error
			if known {
				resolveErr = outcome.Err
			} else {
				resolveErr = fmt.Errorf("no resolution result for reference %s", ref.Fingerprint())
			}
			out, resolveErr = applyFailure(out, data[ph.Start:ph.End], policy, destination, ref, resolveErr, logger)
			if resolveErr != nil {
				return nil, resolveErr
			}
			cursor = ph.End
			continue
		}

		out = append(out, outcome.Secret.Bytes()...)
		cursor = ph.End
	}
	out = append(out, data[cursor:]...)
	return out, nil
}

// applyFailure implements the inject_policy table from §4.2. It returns
// the updated output buffer and a non-nil error only under PolicyError.
func applyFailure(out []byte, rawPlaceholder []byte, policy InjectPolicy, destination string, ref reference.Reference, cause error, logger *slog.Logger) ([]byte, error) {
	switch policy {
	case PolicyPassthrough:
		out = append(out, rawPlaceholder...)
		return out, nil
	case PolicyIgnore:
		if logger != nil {
			logger.Warn("dropping unresolved placeholder",
				slog.String("destination", destination),
				slog.String("reference", ref.Fingerprint()),
				slog.Any("error", cause))
		}
		return out, nil
	case PolicyError:
		fallthrough
	default:
		return out, &locketerr.RenderError{
			Destination: destination,
			Reason:      fmt.Sprintf("reference %s failed: %v", ref.Fingerprint(), cause),
			Cause:       cause,
		}
	}
}
