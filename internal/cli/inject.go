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
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/locketsh/locket/internal/cycle"
	"github.com/locketsh/locket/internal/discover"
	"github.com/locketsh/locket/internal/locketerr"
	locketlog "github.com/locketsh/locket/internal/log"
	"github.com/locketsh/locket/internal/ready"
	"github.com/locketsh/locket/internal/unit"
)

func newInjectCommand() *cobra.Command {
	var (
		sourceArgs  []string
		secretArgs  []string
		outDir      string
		policyFlag  string
		maxFileSize int64
		watchFlag   bool
		readyPath   string
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Render configured templates and inline secrets to disk",
		Long: `inject discovers templates from --source SRC:DST arguments and the
config file's sources list, resolves every reference they contain, and
writes the rendered output to disk. With --watch it keeps running,
re-resolving and re-materializing whenever a source file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(ConfigPath())
			if err != nil {
				return err
			}

			opts, err := discoverOptions(rt.Config, policyFlag, maxFileSize, watchFlag)
			if err != nil {
				return err
			}

			units, err := collectUnits(rt.Config, sourceArgs, secretArgs, discover.InlineAsFile, outDir, rt.Active, opts)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				return &locketerr.ConfigError{Key: "sources", Reason: "no sources or secrets to inject"}
			}

			path := readyPath
			if path == "" {
				path = rt.Config.Ready.Path
			}
			signal := ready.New(path)

			result := runCycleAndSignal(cmd.Context(), rt.Resolver, units, rt.Active, rt.Logger, signal, cmd.Println)

			if opts.Mode == unit.WatchOneShot && !watchFlag {
				if code := cycle.ExitCode(result); code != 0 {
					return &exitCodeError{code: code}
				}
				return nil
			}

			ctx, cancel := notifyContext(cmd.Context())
			defer cancel()

			stop, fatal, err := watchSources(ctx, units, rt.Config.Watch.Debounce.Duration(), rt.Logger, func(rctx context.Context) {
				if e := signal.Invalidate(); e != nil {
					rt.Logger.Error("invalidating readiness artifact", locketlog.Error(e))
				}
				runCycleAndSignal(rctx, rt.Resolver, units, rt.Active, rt.Logger, signal, cmd.Println)
			})
			if err != nil {
				rt.Logger.Warn("watch mode requested but nothing to watch", locketlog.Error(err))
				if code := cycle.ExitCode(result); code != 0 {
					return &exitCodeError{code: code}
				}
				return nil
			}
			defer stop()

			select {
			case <-ctx.Done():
				return nil
			case <-fatal:
				return &locketerr.WatcherError{Source: "inject --watch", Reason: "event stream disconnected three times within one minute"}
			}
		},
	}

	cmd.Flags().StringArrayVar(&sourceArgs, "source", nil, "SRC:DST template source, repeatable")
	cmd.Flags().StringArrayVar(&secretArgs, "secret", nil, "label=value inline secret, repeatable")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "Directory inline secrets are written beneath")
	cmd.Flags().StringVar(&policyFlag, "inject-policy", "", "Inject policy override: error, passthrough, ignore")
	cmd.Flags().Int64Var(&maxFileSize, "max-file-size", 0, "Maximum template size in bytes (0 = config default)")
	cmd.Flags().BoolVar(&watchFlag, "watch", false, "Keep running, re-resolving on source changes")
	cmd.Flags().StringVar(&readyPath, "ready-path", "", "Override the readiness artifact path")

	return cmd
}

// notifyContext returns a context canceled on SIGTERM/SIGINT, used by
// --watch to block until told to stop.
func notifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
