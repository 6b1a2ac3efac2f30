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

package materialize

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// VolumeOptions are the per-volume tmpfs parameters, mirroring the
// options a volume-driver Create request carries.
type VolumeOptions struct {
	// SizeBytes bounds the tmpfs "size=" mount option. Zero uses the
	// kernel default (half of physical RAM).
	SizeBytes int64
}

// volumeState tracks one mounted (or pending) tmpfs and its ref-count.
type volumeState struct {
	root     string
	mounted  bool
	refCount int
}

// VolumeManager mounts and reuses per-volume tmpfs filesystems rooted
// under runtimeDir/<volumeID>. Mount/unmount is ref-counted: the tmpfs is
// torn down only when the last consumer releases it.
type VolumeManager struct {
	runtimeDir string

	mu     sync.Mutex
	states map[string]*volumeState
}

// NewVolumeManager returns a manager rooting volumes under runtimeDir
// (default "/run/locket/volumes").
func NewVolumeManager(runtimeDir string) *VolumeManager {
	if runtimeDir == "" {
		runtimeDir = "/run/locket/volumes"
	}
	return &VolumeManager{
		runtimeDir: runtimeDir,
		states:     make(map[string]*volumeState),
	}
}

// Acquire mounts (or reuses) the tmpfs for volumeID and increments its
// ref-count. The returned root is where destination paths should be
// joined against.
func (m *VolumeManager) Acquire(volumeID string, opts VolumeOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[volumeID]
	if ok {
		st.refCount++
		return st.root, nil
	}

	root := filepath.Join(m.runtimeDir, volumeID)
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", fmt.Errorf("creating volume root %q: %w", root, err)
	}

	data := "rw,noexec,nosuid,nodev"
	if opts.SizeBytes > 0 {
		data = fmt.Sprintf("%s,size=%d", data, opts.SizeBytes)
	}
	if err := unix.Mount("tmpfs", root, "tmpfs", 0, data); err != nil {
		return "", fmt.Errorf("mounting tmpfs at %q: %w", root, err)
	}

	m.states[volumeID] = &volumeState{root: root, mounted: true, refCount: 1}
	return root, nil
}

// Root returns the mount root for an already-acquired volume without
// changing its ref-count. Used by Materialize once a driver Mount call
// has already called Acquire.
func (m *VolumeManager) Root(volumeID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[volumeID]
	if !ok {
		return "", fmt.Errorf("volume %q is not mounted", volumeID)
	}
	return st.root, nil
}

// Release decrements volumeID's ref-count; at zero the tmpfs is
// unmounted and its contents cleared.
func (m *VolumeManager) Release(volumeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[volumeID]
	if !ok {
		return nil
	}
	st.refCount--
	if st.refCount > 0 {
		return nil
	}

	delete(m.states, volumeID)
	if !st.mounted {
		return nil
	}
	if err := unix.Unmount(st.root, 0); err != nil {
		return fmt.Errorf("unmounting %q: %w", st.root, err)
	}
	return os.RemoveAll(st.root)
}
