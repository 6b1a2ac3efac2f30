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

package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/locketsh/locket/internal/config"
	"github.com/locketsh/locket/internal/discover"
	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/internal/resolve"
	"github.com/locketsh/locket/internal/unit"
)

// runtimeContext bundles the config-derived objects every subcommand
// needs: the loaded config, a provider registry built from it, a
// resolver over that registry, the set of active providers, and a
// logger configured from the config's log section and the persistent
// --log-level/--log-format flags.
type runtimeContext struct {
	Config   *config.Config
	Registry *provider.Registry
	Resolver *resolve.Resolver
	Active   map[reference.Provider]bool
	Logger   *slog.Logger
}

// loadRuntime loads and validates the config at path, applies provider
// environment variables, builds the provider registry, and prepares
// every registered client.
func loadRuntime(path string) (*runtimeContext, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	cfg.Providers.ApplyEnv()
	registry, err := config.BuildRegistry(cfg.Providers)
	if err != nil {
		return nil, err
	}

	logger := Logger(cfg.Log.Level, cfg.Log.Format)

	if err := registry.PrepareAll(context.Background()); err != nil {
		return nil, locketerr.Wrap(err, "preparing providers")
	}

	resolver := resolve.New(registry)
	if cfg.Resolve.RequestTimeout > 0 {
		resolver.SetRequestTimeout(cfg.Resolve.RequestTimeout.Duration())
	}

	return &runtimeContext{
		Config:   cfg,
		Registry: registry,
		Resolver: resolver,
		Active:   registry.Active(),
		Logger:   logger,
	}, nil
}

// discoverOptions builds discover.Options from the config's destination
// defaults and watch mode, overridden by any non-zero flag value.
func discoverOptions(cfg *config.Config, policyFlag string, maxFileSizeFlag int64, watchFlag bool) (discover.Options, error) {
	policy := render.NormalizePolicy(cfg.Destination.InjectPolicy)
	if policyFlag != "" {
		policy = render.NormalizePolicy(policyFlag)
	}

	maxFileSize := cfg.Destination.MaxFileSize
	if maxFileSizeFlag > 0 {
		maxFileSize = maxFileSizeFlag
	}

	fileMode := os.FileMode(config.DefaultFileMode)
	if cfg.Destination.FileMode != "" {
		m, err := config.ParseFileMode(cfg.Destination.FileMode)
		if err != nil {
			return discover.Options{}, err
		}
		fileMode = os.FileMode(m)
	}

	dirMode := os.FileMode(config.DefaultDirMode)
	if cfg.Destination.DirMode != "" {
		m, err := config.ParseFileMode(cfg.Destination.DirMode)
		if err != nil {
			return discover.Options{}, err
		}
		dirMode = os.FileMode(m)
	}

	var owner *string
	if cfg.Destination.Owner != "" {
		owner = &cfg.Destination.Owner
	}

	mode := unit.WatchMode(cfg.Watch.Mode)
	if mode == "" {
		mode = config.DefaultWatchMode
	}
	if watchFlag {
		mode = unit.WatchContinuous
	}

	includeHidden := true
	if cfg.Watch.IncludeHidden != nil {
		includeHidden = *cfg.Watch.IncludeHidden
	}

	return discover.Options{
		InjectPolicy:    policy,
		MaxFileSize:     maxFileSize,
		Mode:            mode,
		FileMode:        fileMode,
		DirMode:         dirMode,
		Owner:           owner,
		IncludeHidden:   includeHidden,
		ExcludePatterns: cfg.Watch.ExcludePatterns,
	}, nil
}

// collectUnits discovers TemplateUnits from source pairs, config
// sources, inline --secret arguments, and config-file inline secrets,
// rejects duplicate destinations, and validates that every reference
// placeholder they contain parses cleanly before returning: a malformed
// reference is fatal at startup, not discovered mid-cycle after valid
// references in the same unit set have already gone to the network.
func collectUnits(cfg *config.Config, sourceArgs, secretArgs []string, destMode discover.InlineDestinationMode, outDir string, active map[reference.Provider]bool, opts discover.Options) ([]unit.TemplateUnit, error) {
	var units []unit.TemplateUnit

	addPairs := func(arg string) error {
		pairs, err := discover.ParsePairs(arg)
		if err != nil {
			return err
		}
		u, err := discover.Discover(pairs, opts)
		if err != nil {
			return err
		}
		units = append(units, u...)
		return nil
	}

	for _, s := range sourceArgs {
		if err := addPairs(s); err != nil {
			return nil, err
		}
	}
	for _, sc := range cfg.Sources {
		if err := addPairs(sc.Src + ":" + sc.Dst); err != nil {
			return nil, err
		}
	}

	for _, s := range secretArgs {
		u, err := discover.ParseInlineSecret(s, destMode, outDir, opts)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	for _, is := range cfg.Secrets {
		u, err := discover.ParseInlineSecret(is.Label+"="+is.Value, destMode, outDir, opts)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	if err := discover.CheckDuplicateDestinations(units); err != nil {
		return nil, err
	}
	if err := validateReferences(units, active); err != nil {
		return nil, err
	}
	return units, nil
}

// validateReferences scans every non-literal-file unit's "{{ ... }}"
// placeholders and parses each one, failing fast on the first malformed
// reference. Unlike cycle.collectReferences, which skips unparseable
// bodies so a later watch-triggered reload doesn't abort the process over
// one bad template, this runs once at startup and is meant to abort: spec
// requires parsing errors to surface before any resolve, never silently.
func validateReferences(units []unit.TemplateUnit, active map[reference.Provider]bool) error {
	for _, u := range units {
		if u.Template.Kind == unit.TemplateLiteralFile {
			continue
		}
		for _, ph := range reference.Scan(u.Template.Bytes) {
			if _, err := reference.ParseBody(ph.Body, active); err != nil {
				return &locketerr.ReferenceError{
					Reference: ph.Body,
					Reason:    err.Error(),
					Cause:     err,
				}
			}
		}
	}
	return nil
}
