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
	"strconv"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/internal/unit"
)

// Validate checks cfg for internal consistency ahead of the first
// resolution cycle, producing a locketerr.ConfigError for the first
// problem found.
func Validate(cfg *Config) error {
	if cfg.Destination.InjectPolicy != "" {
		switch render.NormalizePolicy(cfg.Destination.InjectPolicy) {
		case render.PolicyError, render.PolicyPassthrough, render.PolicyIgnore:
		default:
			return &locketerr.ConfigError{
				Key:    "destination.inject_policy",
				Reason: fmt.Sprintf("unknown inject policy %q", cfg.Destination.InjectPolicy),
			}
		}
	}

	if cfg.Destination.FileMode != "" {
		if _, err := ParseFileMode(cfg.Destination.FileMode); err != nil {
			return &locketerr.ConfigError{Key: "destination.file_mode", Reason: err.Error(), Cause: err}
		}
	}
	if cfg.Destination.DirMode != "" {
		if _, err := ParseFileMode(cfg.Destination.DirMode); err != nil {
			return &locketerr.ConfigError{Key: "destination.dir_mode", Reason: err.Error(), Cause: err}
		}
	}

	if cfg.Watch.Mode != "" {
		switch unit.WatchMode(cfg.Watch.Mode) {
		case unit.WatchOneShot, unit.WatchPark, unit.WatchContinuous:
		default:
			return &locketerr.ConfigError{
				Key:    "watch.mode",
				Reason: fmt.Sprintf("unknown watch mode %q", cfg.Watch.Mode),
			}
		}
	}

	seen := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if s.Src == "" || s.Dst == "" {
			return &locketerr.ConfigError{Key: "sources", Reason: fmt.Sprintf("source entry missing src or dst: %+v", s)}
		}
		if seen[s.Dst] {
			return &locketerr.ConfigError{Key: "sources", Reason: fmt.Sprintf("duplicate destination %q", s.Dst)}
		}
		seen[s.Dst] = true
	}

	for _, s := range cfg.Secrets {
		if s.Label == "" {
			return &locketerr.ConfigError{Key: "secrets", Reason: "inline secret missing label"}
		}
		if seen[s.Label] {
			return &locketerr.ConfigError{Key: "secrets", Reason: fmt.Sprintf("duplicate destination %q", s.Label)}
		}
		seen[s.Label] = true
	}

	return nil
}

// ParseFileMode parses a config-supplied octal mode string ("0600") into
// an os.FileMode-compatible value.
func ParseFileMode(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %q: %w", raw, err)
	}
	return uint32(v), nil
}
