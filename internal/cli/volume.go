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

	"github.com/locketsh/locket/internal/volumedriver"
)

func newVolumeCommand() *cobra.Command {
	var (
		socketPath string
		stateDir   string
		runtimeDir string
	)

	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Serve the container-engine volume-plugin protocol",
		Long: `volume binds a Unix socket and serves the Docker volume-plugin HTTP
protocol (Create, Remove, Mount, Unmount, Path, Get, List, Capabilities),
backing each volume with a tmpfs mount populated from the volume's
declared template option.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(ConfigPath())
			if err != nil {
				return err
			}

			socket := socketPath
			if socket == "" {
				socket = rt.Config.VolumeDriver.SocketPath
			}
			state := stateDir
			if state == "" {
				state = rt.Config.VolumeDriver.StateDir
			}
			runtime := runtimeDir
			if runtime == "" {
				runtime = rt.Config.VolumeDriver.RuntimeDir
			}

			server := volumedriver.New(volumedriver.Options{
				SocketPath:      socket,
				StateDir:        state,
				RuntimeDir:      runtime,
				Resolver:        rt.Resolver,
				ActiveProviders: rt.Active,
				Logger:          rt.Logger,
			})

			return server.Serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "Unix socket path (default: config volume_driver.socket_path)")
	cmd.Flags().StringVar(&stateDir, "state-dir", "", "Volume state directory (default: config volume_driver.state_dir)")
	cmd.Flags().StringVar(&runtimeDir, "runtime-dir", "", "tmpfs mount root directory (default: config volume_driver.runtime_dir)")

	return cmd
}
