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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestartingWatcher_ForwardsEvents(t *testing.T) {
	dir := t.TempDir()

	rw := NewRestartingWatcher(dir, []string{"created"}, WatcherOptions{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rw.Start(ctx)
	defer rw.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644))

	select {
	case evt, ok := <-rw.Events():
		require.True(t, ok)
		assert.Equal(t, "created", evt.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case <-rw.Fatal():
		t.Fatal("fatal fired on a healthy watcher")
	default:
	}
}

func TestRestartingWatcher_StopClosesEventsWithoutFatal(t *testing.T) {
	dir := t.TempDir()

	rw := NewRestartingWatcher(dir, nil, WatcherOptions{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rw.Start(ctx)
	rw.Stop()

	select {
	case _, ok := <-rw.Events():
		assert.False(t, ok, "events channel should close on Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events channel to close")
	}

	select {
	case <-rw.Fatal():
		t.Fatal("fatal should not fire on a clean Stop")
	default:
	}
}

func TestRestartingWatcher_StrikeBudget(t *testing.T) {
	rw := NewRestartingWatcher("/tmp", nil, WatcherOptions{}, nil)

	var failures []time.Time
	assert.False(t, rw.strike(&failures))
	assert.False(t, rw.strike(&failures))
	assert.True(t, rw.strike(&failures), "third strike within the window should exhaust the budget")
}

func TestRestartingWatcher_StrikeBudgetResetsOutsideWindow(t *testing.T) {
	rw := NewRestartingWatcher("/tmp", nil, WatcherOptions{}, nil)

	stale := time.Now().Add(-2 * restartWindow)
	failures := []time.Time{stale, stale}

	assert.False(t, rw.strike(&failures), "stale strikes outside the window must not count")
	assert.Len(t, failures, 1)
}
