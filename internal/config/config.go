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

// Package config loads the YAML document describing provider credentials,
// source mappings, destination policy defaults, watch behavior, and the
// volume driver's socket/state paths.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/internal/unit"
	"gopkg.in/yaml.v3"
)

// Config is the complete locket configuration document.
type Config struct {
	// Version is the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log          LogConfig          `yaml:"log"`
	Providers    ProvidersConfig    `yaml:"providers,omitempty"`
	Sources      []SourceConfig     `yaml:"sources,omitempty"`
	Secrets      []InlineSecret     `yaml:"secrets,omitempty"`
	Destination  DestinationDefaults `yaml:"destination"`
	Watch        WatchConfig        `yaml:"watch"`
	Resolve      ResolveConfig      `yaml:"resolve,omitempty"`
	VolumeDriver VolumeDriverConfig `yaml:"volume_driver"`
	Ready        ReadyConfig        `yaml:"ready"`
}

// ResolveConfig tunes the resolver's per-cycle behavior.
type ResolveConfig struct {
	// RequestTimeout bounds a single provider call (one FetchMany, or one
	// FetchOne retry attempt). Zero uses resolve.DefaultRequestTimeout.
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// SourceConfig is one SRC:DST mapping, equivalent to a discover.Pair but
// given its own YAML shape so per-source overrides can be added later.
type SourceConfig struct {
	Src string `yaml:"src"`
	Dst string `yaml:"dst"`
}

// InlineSecret is one `--secret label=value` declaration expressed in the
// config file instead of on the command line.
type InlineSecret struct {
	Label string `yaml:"label"`
	Value string `yaml:"value"`
}

// DestinationDefaults are the policy knobs every discovered TemplateUnit
// is stamped with unless a more specific override exists.
type DestinationDefaults struct {
	InjectPolicy string `yaml:"inject_policy,omitempty"`
	MaxFileSize  int64  `yaml:"max_file_size,omitempty"`
	FileMode     string `yaml:"file_mode,omitempty"`
	DirMode      string `yaml:"dir_mode,omitempty"`
	Owner        string `yaml:"owner,omitempty"`
}

// WatchConfig governs C8 Watcher behavior.
type WatchConfig struct {
	Mode            string   `yaml:"mode,omitempty"` // one-shot, park, watch
	Debounce        Duration `yaml:"debounce,omitempty"`
	IncludeHidden   *bool    `yaml:"include_hidden,omitempty"`
	ExcludePatterns []string `yaml:"exclude_patterns,omitempty"`
	EventsPerSecond float64  `yaml:"events_per_second,omitempty"`
	Burst           int      `yaml:"burst,omitempty"`
}

// VolumeDriverConfig configures C10 Volume Driver Server.
type VolumeDriverConfig struct {
	SocketPath string `yaml:"socket_path,omitempty"`
	StateDir   string `yaml:"state_dir,omitempty"`
	RuntimeDir string `yaml:"runtime_dir,omitempty"`
}

// ReadyConfig configures the C9 readiness artifact.
type ReadyConfig struct {
	Path string `yaml:"path,omitempty"`
}

// Duration unmarshals a YAML duration string ("500ms", "30s") into a
// time.Duration, the way the teacher's config types embed time.Duration
// fields directly but with YAML string support.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default policy values applied when the config and CLI flags are both
// silent on a knob.
const (
	DefaultInjectPolicy = render.PolicyError
	DefaultFileMode     = 0o600
	DefaultDirMode       = 0o700
	DefaultWatchMode     = unit.WatchOneShot
	DefaultDebounce      = 500 * time.Millisecond
	DefaultSocketPath    = "/run/docker/plugins/locket.sock"
	DefaultStateDir      = "/var/lib/locket"
	DefaultRuntimeDir    = "/run/locket/volumes"
)

// Load reads and parses the YAML document at path. An empty path is not an
// error: Load returns a zero-value Config so the CLI can run entirely off
// flags and environment variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &locketerr.ConfigError{Key: path, Reason: fmt.Sprintf("reading config file: %v", err), Cause: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &locketerr.ConfigError{Key: path, Reason: fmt.Sprintf("parsing config file: %v", err), Cause: err}
	}
	return cfg, nil
}
