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
	"github.com/spf13/cobra"

	"github.com/locketsh/locket/internal/discover"
	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/supervisor"
)

func newExecCommand() *cobra.Command {
	var (
		sourceArgs  []string
		secretArgs  []string
		watchFlag   bool
		policyFlag  string
		maxFileSize int64
	)

	cmd := &cobra.Command{
		Use:   "exec -- CMD [ARGS...]",
		Short: "Run a child process with resolved secrets as environment variables",
		Long: `exec resolves --source and --secret declarations into environment
entries, then spawns CMD with that environment merged onto the
supervisor's own. Signals are forwarded to the child's process group.
With --watch, a source change triggers a graceful restart with a
freshly resolved environment.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(ConfigPath())
			if err != nil {
				return err
			}

			opts, err := discoverOptions(rt.Config, policyFlag, maxFileSize, watchFlag)
			if err != nil {
				return err
			}

			units, err := collectUnits(rt.Config, sourceArgs, secretArgs, discover.InlineAsEnvironment, "", rt.Active, opts)
			if err != nil {
				return err
			}
			if len(units) == 0 {
				return &locketerr.ConfigError{Key: "sources", Reason: "no sources or secrets to exec with"}
			}

			sup := supervisor.New(supervisor.Options{
				Command:         args,
				Units:           units,
				Resolver:        rt.Resolver,
				ActiveProviders: rt.Active,
				Watch:           watchFlag,
				DebounceWindow:  rt.Config.Watch.Debounce.Duration(),
				Logger:          rt.Logger,
			})

			code, err := sup.Run(cmd.Context())
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitCodeError{code: locketerr.ExitCode(code)}
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&sourceArgs, "source", nil, "SRC:DST template source, repeatable")
	cmd.Flags().StringArrayVar(&secretArgs, "secret", nil, "label=value inline secret, repeatable")
	cmd.Flags().StringVar(&policyFlag, "inject-policy", "", "Inject policy override: error, passthrough, ignore")
	cmd.Flags().Int64Var(&maxFileSize, "max-file-size", 0, "Maximum template size in bytes (0 = config default)")
	cmd.Flags().BoolVar(&watchFlag, "watch", false, "Restart the child process on source changes")

	return cmd
}
