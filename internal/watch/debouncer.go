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
	"sync"
	"time"
)

// sourceState is one source's position in the debounce state machine:
//
//	Idle -> Dirty (on event) -> Debouncing (timer armed) -> Resolving -> Idle
//
// A new event during Debouncing re-arms the timer. A new event during
// Resolving transitions the source back to Dirty; once the in-flight
// cycle completes, a fresh Debouncing window starts immediately so the
// source eventually converges without requiring a further event.
type sourceState int

const (
	sourceIdle sourceState = iota
	sourceDirty
	sourceDebouncing
	sourceResolving
)

// debounceEntry is the per-source state kept by Debouncer.
type debounceEntry struct {
	state  sourceState
	timer  *time.Timer
	events []*Context
}

// Debouncer runs the per-source debounce state machine described in
// sourceState above. Events for the same path are coalesced: after a
// quiet interval of window with no further events, onTrigger is called
// once with the accumulated (or, in non-batch mode, the most recent)
// events. An event arriving while onTrigger is running for that path is
// not dropped — it is queued and guarantees another cycle once the
// current one finishes.
type Debouncer struct {
	mu        sync.Mutex
	window    time.Duration
	batch     bool
	entries   map[string]*debounceEntry
	onTrigger func([]*Context)
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopped   bool
}

// NewDebouncer creates a debouncer with the given quiet-interval window.
// If batch is true, every event accumulated during a window is delivered
// to onTrigger; if false, only the most recent event per cycle is kept.
func NewDebouncer(window time.Duration, batch bool, onTrigger func([]*Context)) *Debouncer {
	return &Debouncer{
		window:    window,
		batch:     batch,
		entries:   make(map[string]*debounceEntry),
		onTrigger: onTrigger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Add feeds one filesystem event into the state machine for its path.
func (d *Debouncer) Add(ctx *Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	path := ctx.Path
	e, exists := d.entries[path]
	if !exists {
		e = &debounceEntry{state: sourceIdle}
		d.entries[path] = e
	}

	if d.batch {
		e.events = append(e.events, ctx)
	} else {
		e.events = []*Context{ctx}
	}

	switch e.state {
	case sourceIdle:
		e.state = sourceDebouncing
		e.timer = time.AfterFunc(d.window, func() { d.fire(path) })
	case sourceDebouncing:
		e.timer.Stop()
		e.timer = time.AfterFunc(d.window, func() { d.fire(path) })
	case sourceResolving, sourceDirty:
		// Re-armed once fire's deferred check observes sourceDirty.
		e.state = sourceDirty
	}
}

// fire transitions a source into Resolving, delivers its accumulated
// events to onTrigger outside the lock, then either returns it to Idle
// or — if an event arrived mid-resolve — immediately starts a fresh
// Debouncing window.
func (d *Debouncer) fire(path string) {
	d.mu.Lock()
	e, exists := d.entries[path]
	if !exists {
		d.mu.Unlock()
		return
	}
	events := e.events
	e.events = nil
	e.state = sourceResolving
	d.mu.Unlock()

	if d.onTrigger != nil && len(events) > 0 {
		recordTrigger(path)
		d.onTrigger(events)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	e, exists = d.entries[path]
	if !exists {
		return
	}
	if e.state == sourceDirty {
		e.state = sourceDebouncing
		e.timer = time.AfterFunc(d.window, func() { d.fire(path) })
		return
	}
	e.state = sourceIdle
	delete(d.entries, path)
}

// Stop halts the debouncer, flushing every source's pending events
// immediately rather than waiting out their windows. It blocks until all
// in-flight onTrigger calls from timers started before Stop have had a
// chance to be cancelled.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.stopCh)

	var pending []*Context
	for path, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		pending = append(pending, e.events...)
		delete(d.entries, path)
	}
	d.mu.Unlock()

	if d.onTrigger != nil && len(pending) > 0 {
		d.onTrigger(pending)
	}
	close(d.stoppedCh)
}

// Wait blocks until Stop has finished flushing.
func (d *Debouncer) Wait() {
	<-d.stoppedCh
}

// Pending returns the number of sources with state other than Idle.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
