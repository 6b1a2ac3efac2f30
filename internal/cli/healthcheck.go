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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/locketsh/locket/internal/config"
	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/ready"
)

func newHealthcheckCommand() *cobra.Command {
	var readyPath string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the readiness artifact and exit non-zero if absent",
		Long: `healthcheck reports whether every declared destination reached Ready
in the most recent cycle, by checking for the presence of the readiness
artifact. It is designed to be invoked as a container HEALTHCHECK.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := readyPath
			if path == "" {
				if cfg, err := config.Load(ConfigPath()); err == nil {
					path = cfg.Ready.Path
				}
			}

			signal := ready.New(path)
			if !signal.IsReady() {
				fmt.Fprintln(cmd.OutOrStdout(), "not ready")
				return &exitCodeError{code: locketerr.ExitResolveFailure}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "ready")
			return nil
		},
	}

	cmd.Flags().StringVar(&readyPath, "ready-path", "", "Override the readiness artifact path")
	return cmd
}
