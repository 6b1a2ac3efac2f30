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

// Package cli wires locket's subcommands (inject, exec, compose, volume,
// healthcheck, version) onto a cobra root command, and maps the error
// taxonomy in internal/locketerr onto process exit codes.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	locketlog "github.com/locketsh/locket/internal/log"
	"github.com/locketsh/locket/internal/locketerr"
)

// Version information, set from main via SetVersion at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Persistent flag values, shared by every subcommand.
var (
	configFlag    string
	logLevelFlag  string
	logFormatFlag string
)

// SetVersion sets the version metadata reported by `locket version`.
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns the version metadata set by SetVersion.
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// NewRootCommand creates the root cobra command and registers every
// locket subcommand.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locket",
		Short: "Locket resolves secret references into files, environments, and volumes",
		Long: `Locket resolves op://, opconnect://, infisical:/// and Bitwarden
secret references declared in templates, inline arguments, or a config
file, then materializes them as files, process environment entries, or
tmpfs-backed volume mounts.

Run 'locket inject' to render configured templates to disk once.
Run 'locket exec -- CMD...' to run a child process with secrets injected.
Run 'locket volume' to serve the container-engine volume-plugin protocol.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to locket config file")
	cmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "", "Log format (json, text)")

	cmd.AddCommand(newInjectCommand())
	cmd.AddCommand(newExecCommand())
	cmd.AddCommand(newComposeCommand())
	cmd.AddCommand(newVolumeCommand())
	cmd.AddCommand(newHealthcheckCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// ConfigPath returns the --config flag value.
func ConfigPath() string {
	return configFlag
}

// Logger builds a structured logger from environment defaults overlaid
// by the config file's log section, itself overlaid by the --log-level/
// --log-format flags (flags win, config fills gaps, environment is the
// final fallback per internal/log.FromEnv).
func Logger(cfgLevel, cfgFormat string) *slog.Logger {
	cfg := locketlog.FromEnv()
	if cfgLevel != "" {
		cfg.Level = cfgLevel
	}
	if cfgFormat != "" {
		cfg.Format = locketlog.Format(cfgFormat)
	}
	if logLevelFlag != "" {
		cfg.Level = logLevelFlag
	}
	if logFormatFlag != "" {
		cfg.Format = locketlog.Format(logFormatFlag)
	}
	return locketlog.New(cfg)
}

// exitCodeError carries an exit code with no further message: the cycle
// that produced it already logged per-destination failures, so
// HandleExitError exits silently rather than repeating "Error: ...".
type exitCodeError struct {
	code locketerr.ExitCode
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("cycle completed with exit code %d", e.code)
}

// HandleExitError maps err to a process exit code and terminates.
// A nil error is a no-op. An *exitCodeError exits with its code directly;
// any other error is printed to stderr and mapped via
// locketerr.ExitCodeFor.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var ec *exitCodeError
	if errors.As(err, &ec) {
		os.Exit(int(ec.code))
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	os.Exit(int(locketerr.ExitCodeFor(err)))
}
