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

// Package compose implements the container-compose provider protocol
// (spec §6): a framed JSON-over-stdio handler invoked as `locket compose
// up|down|metadata` by a compose engine that shells out to an external
// binary for secret provisioning. `metadata` reports the plugin's
// capabilities, `up` resolves the configured TemplateUnits and emits
// environment bindings for the target service, `down` is a no-op.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/locketsh/locket/internal/cycle"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/resolve"
	"github.com/locketsh/locket/internal/unit"
)

// upRequest is the framed input to `compose up`: the service name the
// engine is resolving bindings for, passed through for logging only.
type upRequest struct {
	Service string `json:"service,omitempty"`
}

// upResponse carries the resolved environment bindings, plus any
// destinations that failed under the unit's inject policy.
type upResponse struct {
	Environment map[string]string `json:"environment"`
	Errors      []string          `json:"errors,omitempty"`
}

// metadataResponse reports the plugin's declared capabilities.
type metadataResponse struct {
	Description string `json:"description"`
	Version     string `json:"version"`
}

// downResponse acknowledges a teardown request; locket never holds
// resources that require release on `down`, so this is always success.
type downResponse struct {
	Ok bool `json:"ok"`
}

// PluginVersion is reported by `compose metadata`.
const PluginVersion = "1"

// Up reads an upRequest from r, resolves units through one cycle, and
// writes the resulting environment bindings as JSON to w. Units whose
// destination is not EnvironmentEntry are ignored: the compose protocol
// only exchanges environment bindings, never files.
func Up(ctx context.Context, r io.Reader, w io.Writer, resolver *resolve.Resolver, units []unit.TemplateUnit, active map[reference.Provider]bool, logger *slog.Logger) error {
	var req upRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil && err != io.EOF {
		return fmt.Errorf("decoding compose up request: %w", err)
	}
	if logger != nil && req.Service != "" {
		logger.Debug("compose up", slog.String("service", req.Service))
	}

	envUnits := make([]unit.TemplateUnit, 0, len(units))
	for _, u := range units {
		if u.Destination.Kind == unit.DestinationEnvironmentEntry {
			envUnits = append(envUnits, u)
		}
	}

	result := cycle.Run(ctx, resolver, envUnits, cycle.Options{ActiveProviders: active, Logger: logger})

	resp := upResponse{Environment: make(map[string]string, len(result.Env))}
	for name, value := range result.Env {
		resp.Environment[name] = string(value)
	}
	for destKey, st := range result.States {
		if st.Kind == unit.ReadyFailed {
			msg := destKey
			if st.Err != nil {
				msg = fmt.Sprintf("%s: %s", destKey, st.Err.Error())
			}
			resp.Errors = append(resp.Errors, msg)
		}
	}

	return json.NewEncoder(w).Encode(resp)
}

// Down acknowledges a teardown request. Locket's compose mode produces
// only in-memory environment bindings, which hold no resource past the
// `up` response; there is nothing for `down` to do.
func Down(w io.Writer) error {
	return json.NewEncoder(w).Encode(downResponse{Ok: true})
}

// Metadata reports the plugin's capabilities to the compose engine.
func Metadata(w io.Writer) error {
	return json.NewEncoder(w).Encode(metadataResponse{
		Description: "locket secrets provider",
		Version:     PluginVersion,
	})
}
