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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// watchEvents tracks total filesystem events received by source.
	watchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locket_watch_events_total",
			Help: "Total filesystem events observed by source and event type",
		},
		[]string{"source", "event_type"},
	)

	// watchTriggers tracks total re-resolution cycles started by the
	// debounce state machine.
	watchTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locket_watch_triggers_total",
			Help: "Total re-resolution cycles triggered by source",
		},
		[]string{"source"},
	)

	// watchErrors tracks errors during event processing.
	watchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locket_watch_errors_total",
			Help: "Total watcher errors by source and error type",
		},
		[]string{"source", "error_type"},
	)

	// watchActive tracks the number of currently active watchers.
	watchActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "locket_watch_active_watchers",
			Help: "Number of currently active filesystem watchers",
		},
	)

	// watchRateLimited tracks events dropped by the per-source rate limiter.
	watchRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locket_watch_rate_limited_total",
			Help: "Total rate-limited events by source",
		},
		[]string{"source"},
	)

	// watchPatternExcluded tracks events filtered by exclude patterns.
	watchPatternExcluded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "locket_watch_pattern_excluded_total",
			Help: "Total pattern-excluded events by source",
		},
		[]string{"source"},
	)
)

// recordEvent increments the event counter.
func recordEvent(source, eventType string) {
	watchEvents.WithLabelValues(source, eventType).Inc()
}

// recordTrigger increments the re-resolution trigger counter.
func recordTrigger(source string) {
	watchTriggers.WithLabelValues(source).Inc()
}

// recordError increments the error counter.
func recordError(source, errorType string) {
	watchErrors.WithLabelValues(source, errorType).Inc()
}

// recordRateLimited increments the rate-limited counter.
func recordRateLimited(source string) {
	watchRateLimited.WithLabelValues(source).Inc()
}

// recordPatternExcluded increments the pattern-excluded counter.
func recordPatternExcluded(source string) {
	watchPatternExcluded.WithLabelValues(source).Inc()
}
