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

// Package supervisor implements the Exec Supervisor (C11): it resolves
// the configured TemplateUnits, composes an environment from
// EnvironmentEntry destinations, and spawns a child process with that
// environment. Signals are forwarded to the child's process group. In
// watch mode, a source change triggers graceful child termination
// (SIGTERM, then SIGKILL after a timeout) followed by re-resolution and
// re-spawn with the refreshed environment.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/locketsh/locket/internal/cycle"
	"github.com/locketsh/locket/internal/locketerr"
	locketlog "github.com/locketsh/locket/internal/log"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/resolve"
	"github.com/locketsh/locket/internal/unit"
	"github.com/locketsh/locket/internal/watch"
)

// DefaultShutdownTimeout is how long the supervisor waits for a SIGTERM'd
// child to exit before escalating to SIGKILL, absent an explicit value.
const DefaultShutdownTimeout = 30 * time.Second

// Options configures the supervisor.
type Options struct {
	// Command is the child process argv; Command[0] is resolved via PATH.
	Command []string

	// Units are the TemplateUnits to resolve before each spawn. Units
	// with an EnvironmentEntry destination populate the child's
	// environment; other destinations materialize to disk as usual.
	Units []unit.TemplateUnit

	Resolver        *resolve.Resolver
	ActiveProviders map[reference.Provider]bool

	// Watch, if true, re-resolves and restarts the child whenever a
	// file-backed unit's source changes.
	Watch bool

	// ShutdownTimeout bounds how long a restart or final shutdown waits
	// for SIGTERM before sending SIGKILL. Defaults to
	// DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// DebounceWindow governs how watched source changes are coalesced
	// before triggering a restart. Defaults to 500ms.
	DebounceWindow time.Duration

	Logger *slog.Logger
}

// Supervisor spawns and restarts a child process whose environment is
// refreshed from resolved secrets.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

// New constructs a Supervisor.
func New(opts Options) *Supervisor {
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{opts: opts, logger: locketlog.WithComponent(logger, "supervisor")}
}

// Run resolves the environment, spawns the child, and blocks until the
// child exits (one-shot) or ctx is canceled (watch mode terminates the
// child gracefully on cancellation). It returns the child's exit code
// and any supervisor-level error.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if len(s.opts.Command) == 0 {
		return int(locketerr.ExitInternal), fmt.Errorf("supervisor: no command configured")
	}

	result := s.resolveCycle(ctx)
	if _, failed := result.Summary(); failed > 0 {
		s.logger.Error("initial resolve had failures, spawning with partial environment", locketlog.Int("failed", failed))
	}

	if err := s.spawn(result); err != nil {
		return int(locketerr.ExitInternal), fmt.Errorf("spawning child: %w", err)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var watcher *sourceWatcher
	var watcherFatal <-chan struct{}
	if s.opts.Watch {
		var err error
		watcher, err = newSourceWatcher(s.opts.Units, s.opts.DebounceWindow, s.logger, s.restart)
		if err != nil {
			s.logger.Warn("watch mode disabled, no file-backed units to watch", locketlog.Error(err))
		} else {
			watcher.Start(ctx)
			defer watcher.Stop()
			watcherFatal = watcher.Fatal()
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.terminate()
			<-s.exited
			return int(locketerr.ExitSuccess), nil

		case <-watcherFatal:
			s.logger.Error("source watcher exhausted its restart budget, exiting")
			s.terminate()
			<-s.exited
			return int(locketerr.ExitInternal), &locketerr.WatcherError{Source: "exec --watch", Reason: "event stream disconnected three times within one minute"}

		case sig := <-sigCh:
			s.logger.Info("forwarding signal to child", locketlog.String("signal", sig.String()))
			s.forwardSignal(sig.(syscall.Signal))
			if sig == syscall.SIGTERM || sig == syscall.SIGINT {
				<-s.exited
				return s.exitCode(), s.waitErrLocked()
			}

		case <-s.exited:
			return s.exitCode(), s.waitErrLocked()
		}
	}
}

func (s *Supervisor) resolveCycle(ctx context.Context) cycle.Result {
	return cycle.Run(ctx, s.opts.Resolver, s.opts.Units, cycle.Options{
		ActiveProviders: s.opts.ActiveProviders,
		Logger:          s.logger,
	})
}

// spawn starts the child process with result.Env merged onto the
// supervisor's own environment, in a new process group so signals
// forwarded to the group reach any grandchildren too.
func (s *Supervisor) spawn(result cycle.Result) error {
	env := append([]string{}, os.Environ()...)
	for name, value := range result.Env {
		env = append(env, name+"="+string(value))
	}

	path, err := exec.LookPath(s.opts.Command[0])
	if err != nil {
		return fmt.Errorf("resolving command %q: %w", s.opts.Command[0], err)
	}

	cmd := exec.Command(path, s.opts.Command[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.exited = make(chan struct{})
	s.mu.Unlock()

	exited := s.exited
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(exited)
	}()

	s.logger.Info("child spawned", locketlog.String("command", s.opts.Command[0]), locketlog.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *Supervisor) forwardSignal(sig syscall.Signal) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Negative pid targets the whole process group.
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

// terminate sends SIGTERM, then SIGKILL after ShutdownTimeout if the
// child has not exited.
func (s *Supervisor) terminate() {
	s.forwardSignal(syscall.SIGTERM)

	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited == nil {
		return
	}

	select {
	case <-exited:
	case <-time.After(s.opts.ShutdownTimeout):
		s.logger.Warn("child did not exit after SIGTERM, sending SIGKILL", locketlog.Duration("timeout", s.opts.ShutdownTimeout.Milliseconds()))
		s.forwardSignal(syscall.SIGKILL)
		<-exited
	}
}

// restart terminates the running child gracefully, re-resolves the
// environment, and spawns a fresh child with it. Called by the source
// watcher when a watched file changes.
func (s *Supervisor) restart(ctx context.Context) {
	s.logger.Info("source changed, restarting child")
	s.terminate()

	result := s.resolveCycle(ctx)
	if _, failed := result.Summary(); failed > 0 {
		s.logger.Error("restart resolve had failures, respawning with partial environment", locketlog.Int("failed", failed))
	}

	if err := s.spawn(result); err != nil {
		s.logger.Error("failed to respawn child after restart", locketlog.Error(err))
	}
}

func (s *Supervisor) exitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.ProcessState == nil {
		return int(locketerr.ExitInternal)
	}
	return s.cmd.ProcessState.ExitCode()
}

func (s *Supervisor) waitErrLocked() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exitErr, ok := s.waitErr.(*exec.ExitError); ok {
		_ = exitErr
		return nil
	}
	return s.waitErr
}

// sourceWatcher watches the directories containing every file-backed
// unit's source and calls onChange, debounced, when one changes. Each
// directory's watcher restarts itself after a disconnect; if three
// restarts fail within one minute, Fatal closes and the caller should
// treat that as a fatal WatcherError.
type sourceWatcher struct {
	watchers []*watch.RestartingWatcher
	debounce *watch.Debouncer
	logger   *slog.Logger
	fatalCh  chan struct{}
}

func newSourceWatcher(units []unit.TemplateUnit, window time.Duration, logger *slog.Logger, onChange func(context.Context)) (*sourceWatcher, error) {
	dirs := map[string]bool{}
	for _, u := range units {
		if u.Template.Kind != unit.TemplateFile || u.Template.SourcePath == "" {
			continue
		}
		dirs[filepath.Dir(u.Template.SourcePath)] = true
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no file-backed units to watch")
	}

	sw := &sourceWatcher{logger: logger, fatalCh: make(chan struct{})}
	sw.debounce = watch.NewDebouncer(window, false, func([]*watch.Context) {
		onChange(context.Background())
	})

	for dir := range dirs {
		sw.watchers = append(sw.watchers, watch.NewRestartingWatcher(dir, []string{"modified", "created", "renamed"}, watch.WatcherOptions{}, logger))
	}
	return sw, nil
}

// Fatal closes once any watched directory's event stream has
// disconnected three times within one minute.
func (sw *sourceWatcher) Fatal() <-chan struct{} { return sw.fatalCh }

func (sw *sourceWatcher) Start(ctx context.Context) {
	var once sync.Once
	for _, w := range sw.watchers {
		w := w
		w.Start(ctx)
		go func() {
			for evt := range w.Events() {
				sw.debounce.Add(evt)
			}
		}()
		go func() {
			select {
			case <-w.Fatal():
				once.Do(func() { close(sw.fatalCh) })
			case <-ctx.Done():
			}
		}()
	}
}

func (sw *sourceWatcher) Stop() {
	for _, w := range sw.watchers {
		w.Stop()
	}
	sw.debounce.Stop()
}
