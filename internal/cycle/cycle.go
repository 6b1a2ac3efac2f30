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

// Package cycle runs one resolve-render-materialize pass over a set of
// TemplateUnits: the glue between C5 Resolver, C2 Renderer, and C7
// Materialization that every entry point (inject, exec, watch, volume)
// drives identically.
package cycle

import (
	"context"
	"log/slog"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/materialize"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/internal/resolve"
	"github.com/locketsh/locket/internal/unit"
)

// Options carries the per-cycle context that doesn't vary per unit.
type Options struct {
	ActiveProviders map[reference.Provider]bool
	Volumes         *materialize.VolumeManager
	Logger          *slog.Logger
}

// Result is the outcome of one cycle: every unit's destination maps to
// its ReadyState, and Env accumulates EnvironmentEntry writes for the
// caller (exec supervisor, compose handler) to apply to a child process.
type Result struct {
	States map[string]unit.ReadyState
	Env    map[string][]byte
}

// Summary counts Ready/Failed destinations, for the cycle-summary output
// the CLI reports after each pass.
func (r Result) Summary() (ready, failed int) {
	for _, st := range r.States {
		switch st.Kind {
		case unit.ReadyOK:
			ready++
		case unit.ReadyFailed:
			failed++
		}
	}
	return ready, failed
}

// Run resolves every reference referenced by units, renders each unit's
// template against the results according to its inject policy, and
// materializes the rendered bytes to their destination. A unit whose
// render fails (PolicyError with an unresolved reference, or an
// oversized template) is marked Failed in the returned Result; the cycle
// continues for every other unit so unaffected destinations still
// converge, per the spec's cycle-completion guarantee.
func Run(ctx context.Context, resolver *resolve.Resolver, units []unit.TemplateUnit, opts Options) Result {
	refs := collectReferences(units, opts.ActiveProviders)
	results := resolver.Resolve(ctx, refs)
	defer zeroResults(results)

	states := make(map[string]unit.ReadyState, len(units))
	env := make(map[string][]byte)

	for _, u := range units {
		destKey := u.Destination.String()

		data := u.Template.Bytes
		if u.Template.Kind != unit.TemplateLiteralFile {
			rendered, err := render.Render(data, opts.ActiveProviders, results, u.InjectPolicy, u.MaxFileSize, destKey, opts.Logger)
			if err != nil {
				states[destKey] = unit.ReadyState{Kind: unit.ReadyFailed, Err: err}
				continue
			}
			data = rendered
		}

		states[destKey] = materialize.Materialize(u, data, env, opts.Volumes)
	}

	return Result{States: states, Env: env}
}

// zeroResults scrubs every resolved secret's backing bytes once the
// cycle's renders and materializations have all consumed them, so no
// ResolvedSecret byte stays reachable past its owning cycle.
func zeroResults(results map[reference.Reference]render.Outcome) {
	for _, outcome := range results {
		if outcome.Secret != nil {
			outcome.Secret.Zero()
		}
	}
}

// collectReferences scans every non-literal-file template for "{{ ... }}"
// placeholders and parses each into a Reference, skipping bodies that
// fail to parse (the renderer surfaces the parse error again per-unit,
// applying that unit's policy; a malformed reference in one template
// must not abort resolution for the rest of the cycle).
func collectReferences(units []unit.TemplateUnit, active map[reference.Provider]bool) []reference.Reference {
	var refs []reference.Reference
	for _, u := range units {
		if u.Template.Kind == unit.TemplateLiteralFile {
			continue
		}
		for _, ph := range reference.Scan(u.Template.Bytes) {
			ref, err := reference.ParseBody(ph.Body, active)
			if err != nil {
				continue
			}
			refs = append(refs, ref)
		}
	}
	return refs
}

// ExitCode maps a Result to the process exit code taxonomy: a
// MaterializationError anywhere takes precedence (exit 3) over a
// render/resolve failure (exit 2), since materialization failures are
// the more severe class per spec §6.
func ExitCode(r Result) locketerr.ExitCode {
	sawResolveFailure := false
	for _, st := range r.States {
		if st.Kind != unit.ReadyFailed || st.Err == nil {
			continue
		}
		if locketerr.ExitCodeFor(st.Err) == locketerr.ExitMaterializeErr {
			return locketerr.ExitMaterializeErr
		}
		sawResolveFailure = true
	}
	if sawResolveFailure {
		return locketerr.ExitResolveFailure
	}
	return locketerr.ExitSuccess
}
