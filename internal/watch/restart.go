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

package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// restartWindow bounds how far back a WatcherError counts toward the
// three-strikes budget before RestartingWatcher gives up.
const restartWindow = time.Minute

// maxRestarts is the number of disconnects tolerated within
// restartWindow before RestartingWatcher reports itself exhausted.
const maxRestarts = 3

// RestartingWatcher supervises a single-path Watcher, restarting it
// after a short backoff whenever its underlying event stream
// disconnects (a WatcherError), and reporting exhaustion once three
// restarts have been needed within one minute.
type RestartingWatcher struct {
	path   string
	events []string
	opts   WatcherOptions
	logger *slog.Logger

	eventCh chan *Context
	fatalCh chan struct{}
	doneCh  chan struct{}
}

// NewRestartingWatcher returns a RestartingWatcher for path. logger may
// be nil, in which case slog.Default() is used.
func NewRestartingWatcher(path string, events []string, opts WatcherOptions, logger *slog.Logger) *RestartingWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RestartingWatcher{
		path:    path,
		events:  events,
		opts:    opts,
		logger:  logger.With(slog.String("component", "watch_supervisor"), slog.String("path", path)),
		eventCh: make(chan *Context, 100),
		fatalCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Events returns the merged event stream across every underlying
// Watcher instance this supervisor has spawned.
func (r *RestartingWatcher) Events() <-chan *Context { return r.eventCh }

// Fatal closes once three restarts have failed within one minute. A
// caller running in watch mode should treat this as fatal WatcherError
// exhaustion and exit, per the error handling design.
func (r *RestartingWatcher) Fatal() <-chan struct{} { return r.fatalCh }

// Start begins watching path, restarting on disconnect, until ctx is
// canceled or Stop is called.
func (r *RestartingWatcher) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop ends the supervisor and closes its event channel.
func (r *RestartingWatcher) Stop() {
	close(r.doneCh)
}

func (r *RestartingWatcher) run(ctx context.Context) {
	defer close(r.eventCh)

	var failures []time.Time
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	for {
		w, err := NewWatcherWithOptions(r.path, r.events, r.opts)
		if err != nil {
			r.logger.Error("watcher failed to start", "error", err)
			recordError(r.path, "start_failed")
			if r.strike(&failures) {
				close(r.fatalCh)
				return
			}
			if !r.sleep(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		_ = w.Start(ctx)
		disconnected := r.forward(w)
		_ = w.Stop()

		if !disconnected || ctx.Err() != nil {
			return
		}

		r.logger.Warn("watcher event stream disconnected, restarting")
		recordError(r.path, "disconnected")
		if r.strike(&failures) {
			r.logger.Error("watcher exhausted its restart budget")
			close(r.fatalCh)
			return
		}
		if !r.sleep(ctx, b.NextBackOff()) {
			return
		}
	}
}

// forward relays events from w onto the supervisor's own channel until
// w's channel closes (a disconnect, returning true so the caller
// restarts) or the supervisor is stopped or its context is canceled
// (returning false, ending the supervisor for good).
func (r *RestartingWatcher) forward(w *Watcher) bool {
	for {
		select {
		case <-r.doneCh:
			return false
		case evt, ok := <-w.Events():
			if !ok {
				return true
			}
			select {
			case r.eventCh <- evt:
			case <-r.doneCh:
				return false
			}
		}
	}
}

// strike records a failure at the current time, drops failures older
// than restartWindow, and reports whether the budget (maxRestarts
// within restartWindow) is now exhausted.
func (r *RestartingWatcher) strike(failures *[]time.Time) bool {
	now := time.Now()
	cutoff := now.Add(-restartWindow)
	kept := (*failures)[:0]
	for _, t := range *failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	*failures = kept
	return len(*failures) >= maxRestarts
}

func (r *RestartingWatcher) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-r.doneCh:
		return false
	}
}
