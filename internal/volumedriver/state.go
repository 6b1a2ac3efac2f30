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

package volumedriver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/locketsh/locket/internal/materialize"
)

// volumeState is the persisted record for one created volume: its
// declared options and current ref-count. It never contains resolved
// secret values, only the options a caller passed to
// `docker volume create -o ...` (template SRC:DST declarations, size,
// mode, user, inject_policy).
type volumeState struct {
	Name     string            `json:"name"`
	Opts     map[string]string `json:"opts"`
	RefCount int               `json:"ref_count"`
}

func stateFile(stateDir, name string) string {
	return filepath.Join(stateDir, "volumes", name+".json")
}

func loadState(stateDir, name string) (*volumeState, error) {
	data, err := os.ReadFile(stateFile(stateDir, name))
	if err != nil {
		return nil, err
	}
	var st volumeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing state for volume %q: %w", name, err)
	}
	return &st, nil
}

func saveState(stateDir string, st *volumeState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state for volume %q: %w", st.Name, err)
	}
	_, err = materialize.WriteFile(stateFile(stateDir, st.Name), data, 0o600, 0o700, nil)
	return err
}

func removeState(stateDir, name string) error {
	err := os.Remove(stateFile(stateDir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func listStates(stateDir string) ([]*volumeState, error) {
	entries, err := os.ReadDir(filepath.Join(stateDir, "volumes"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []*volumeState
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		st, err := loadState(stateDir, name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
