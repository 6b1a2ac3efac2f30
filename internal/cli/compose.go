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
	"os"

	"github.com/spf13/cobra"

	"github.com/locketsh/locket/internal/compose"
	"github.com/locketsh/locket/internal/discover"
)

func newComposeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Serve the container-compose secrets-provider protocol",
	}
	cmd.AddCommand(newComposeUpCommand())
	cmd.AddCommand(newComposeDownCommand())
	cmd.AddCommand(newComposeMetadataCommand())
	return cmd
}

func newComposeUpCommand() *cobra.Command {
	var (
		sourceArgs []string
		secretArgs []string
		policyFlag string
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Resolve configured sources and emit environment bindings as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(ConfigPath())
			if err != nil {
				return err
			}

			opts, err := discoverOptions(rt.Config, policyFlag, 0, false)
			if err != nil {
				return err
			}

			units, err := collectUnits(rt.Config, sourceArgs, secretArgs, discover.InlineAsEnvironment, "", rt.Active, opts)
			if err != nil {
				return err
			}

			return compose.Up(cmd.Context(), os.Stdin, cmd.OutOrStdout(), rt.Resolver, units, rt.Active, rt.Logger)
		},
	}

	cmd.Flags().StringArrayVar(&sourceArgs, "source", nil, "SRC:DST template source, repeatable")
	cmd.Flags().StringArrayVar(&secretArgs, "secret", nil, "label=value inline secret, repeatable")
	cmd.Flags().StringVar(&policyFlag, "inject-policy", "", "Inject policy override: error, passthrough, ignore")

	return cmd
}

func newComposeDownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Acknowledge a compose-provider teardown request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compose.Down(cmd.OutOrStdout())
		},
	}
}

func newComposeMetadataCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "metadata",
		Short: "Report the compose-provider plugin's capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return compose.Metadata(cmd.OutOrStdout())
		},
	}
}
