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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/locketsh/locket/internal/cli/format"
	"github.com/locketsh/locket/internal/cycle"
	locketlog "github.com/locketsh/locket/internal/log"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/ready"
	"github.com/locketsh/locket/internal/resolve"
	"github.com/locketsh/locket/internal/unit"
	"github.com/locketsh/locket/internal/watch"
)

// runCycleAndSignal runs one resolve-render-materialize cycle, prints
// its summary, and updates the readiness artifact: marked ready only
// when every destination converged, invalidated otherwise so a consumer
// polling the artifact never observes stale readiness mid-failure.
func runCycleAndSignal(ctx context.Context, resolver *resolve.Resolver, units []unit.TemplateUnit, active map[reference.Provider]bool, logger *slog.Logger, signal *ready.Signal, printSummary func(string)) cycle.Result {
	result := cycle.Run(ctx, resolver, units, cycle.Options{ActiveProviders: active, Logger: logger})
	readyCount, failed := result.Summary()
	if printSummary != nil {
		printSummary(format.Summary(readyCount, failed))
	}

	if failed == 0 {
		if err := signal.MarkReady(); err != nil {
			logger.Error("marking readiness artifact", locketlog.Error(err))
		}
	} else if err := signal.Invalidate(); err != nil {
		logger.Error("invalidating readiness artifact", locketlog.Error(err))
	}

	return result
}

// watchSources watches the directories containing every file-backed
// unit's source and calls onChange, debounced, whenever one changes.
// It returns a stop function and a fatal channel: the latter closes if
// a watched directory's event stream disconnects three times within one
// minute, per the WatcherError propagation policy, and the caller
// should treat that as fatal and exit watch mode.
func watchSources(ctx context.Context, units []unit.TemplateUnit, debounce time.Duration, logger *slog.Logger, onChange func(context.Context)) (stop func(), fatal <-chan struct{}, err error) {
	dirs := map[string]bool{}
	for _, u := range units {
		if u.Template.Kind != unit.TemplateFile || u.Template.SourcePath == "" {
			continue
		}
		dirs[filepath.Dir(u.Template.SourcePath)] = true
	}
	if len(dirs) == 0 {
		return nil, nil, fmt.Errorf("no file-backed units to watch")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	debouncer := watch.NewDebouncer(debounce, false, func([]*watch.Context) {
		onChange(context.Background())
	})

	var watchers []*watch.RestartingWatcher
	for dir := range dirs {
		w := watch.NewRestartingWatcher(dir, []string{"modified", "created", "renamed"}, watch.WatcherOptions{}, logger)
		watchers = append(watchers, w)
	}

	fatalCh := make(chan struct{})
	var fatalOnce sync.Once
	for _, w := range watchers {
		w := w
		w.Start(ctx)
		go func() {
			for evt := range w.Events() {
				debouncer.Add(evt)
			}
		}()
		go func() {
			select {
			case <-w.Fatal():
				fatalOnce.Do(func() { close(fatalCh) })
			case <-ctx.Done():
			}
		}()
	}

	return func() {
		for _, w := range watchers {
			w.Stop()
		}
		debouncer.Stop()
	}, fatalCh, nil
}
