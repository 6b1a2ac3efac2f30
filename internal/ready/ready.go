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

// Package ready manages the readiness artifact: an empty, mode-0600 file
// whose presence signals that every declared destination reached Ready
// in the current cycle.
package ready

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath is used when no status path is configured.
const DefaultPath = "/tmp/.locket/ready"

// Signal manages one readiness artifact at Path.
type Signal struct {
	Path string
}

// New returns a Signal at path, or DefaultPath if path is empty.
func New(path string) *Signal {
	if path == "" {
		path = DefaultPath
	}
	return &Signal{Path: path}
}

// MarkReady creates (or truncates) the readiness artifact, mode 0600.
// Creating the parent directory and the file itself is not atomic with
// respect to a concurrent healthcheck, but a reader only ever observes
// "absent" or "fully present" since the file is always empty.
func (s *Signal) MarkReady() error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating readiness directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("creating readiness artifact %q: %w", s.Path, err)
	}
	return f.Close()
}

// Invalidate removes the readiness artifact. Called on the first
// watch-mode event that invalidates a destination, so consumers
// observing the artifact never see stale readiness for a cycle in
// progress.
func (s *Signal) Invalidate() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing readiness artifact %q: %w", s.Path, err)
	}
	return nil
}

// IsReady reports whether the readiness artifact is present. Per the
// file-exists-only readiness model (no separate staleness window), this
// is also what `locket healthcheck` evaluates.
func (s *Signal) IsReady() bool {
	_, err := os.Stat(s.Path)
	return err == nil
}
