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

// Package materialize writes a rendered template's bytes to its
// destination: atomically to disk, into an in-memory environment map, or
// into a per-volume tmpfs.
package materialize

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/unit"
)

// WriteFile atomically materializes data at dest: a sibling temp file is
// written with fileMode applied before rename, fsynced, renamed over dest,
// and the containing directory is fsynced. Parent directories are created
// with dirMode as needed. owner, if non-nil, is a "user" or "user:group"
// string applied via chown; failure to apply it is a hard error and dest
// is left at its prior state.
func WriteFile(dest string, data []byte, fileMode, dirMode os.FileMode, owner *string) (time.Time, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("creating parent directory: %v", err), Cause: err}
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("creating temp file: %v", err), Cause: err}
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("writing temp file: %v", err), Cause: err}
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("setting file mode: %v", err), Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("fsyncing temp file: %v", err), Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("closing temp file: %v", err), Cause: err}
	}

	if owner != nil {
		uid, gid, err := resolveOwner(*owner)
		if err != nil {
			return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("resolving owner %q: %v", *owner, err), Cause: err}
		}
		if err := os.Chown(tmpPath, uid, gid); err != nil {
			return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("chown: %v", err), Cause: err}
		}
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		// Some filesystems (notably overlayfs/network mounts presented
		// read-write but without atomic-rename-over-existing semantics)
		// reject a cross-device or weak-rename path; fall back to
		// truncate-then-write so the write still lands, at the cost of
		// a brief window where dest may be partially written.
		if werr := os.WriteFile(dest, data, fileMode); werr != nil {
			return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("rename failed (%v) and truncate-then-write fallback failed: %v", err, werr), Cause: werr}
		}
		ok = true
	} else {
		ok = true
	}

	if dirFile, derr := os.Open(dir); derr == nil {
		dirFile.Sync()
		dirFile.Close()
	}

	info, err := os.Stat(dest)
	if err != nil {
		return time.Time{}, &locketerr.MaterializationError{Destination: dest, Reason: fmt.Sprintf("stat after write: %v", err), Cause: err}
	}
	return info.ModTime(), nil
}

// resolveOwner parses "user" or "user:group" into numeric uid/gid.
func resolveOwner(spec string) (int, int, error) {
	userPart, groupPart, hasGroup := strings.Cut(spec, ":")

	u, err := user.Lookup(userPart)
	if err != nil {
		return 0, 0, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, err
	}

	if !hasGroup || groupPart == "" {
		gid, err := strconv.Atoi(u.Gid)
		if err != nil {
			return 0, 0, err
		}
		return uid, gid, nil
	}

	g, err := user.LookupGroup(groupPart)
	if err != nil {
		return 0, 0, err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

// Materialize dispatches a rendered unit's bytes to its destination and
// reports the resulting ready state. env receives EnvironmentEntry
// writes; it is the caller's environment map, shared across units in a
// cycle. volumes resolves VolumeMount destinations to a tmpfs root.
func Materialize(u unit.TemplateUnit, data []byte, env map[string][]byte, volumes *VolumeManager) unit.ReadyState {
	switch u.Destination.Kind {
	case unit.DestinationEnvironmentEntry:
		env[u.Destination.Name] = data
		return unit.ReadyState{Kind: unit.ReadyOK, MTime: timeNow()}

	case unit.DestinationPathOnDisk:
		mtime, err := WriteFile(u.Destination.Path, data, fileModeOrDefault(u.FileMode), dirModeOrDefault(u.DirMode), u.Owner)
		if err != nil {
			return unit.ReadyState{Kind: unit.ReadyFailed, Err: err}
		}
		return unit.ReadyState{Kind: unit.ReadyOK, MTime: mtime}

	case unit.DestinationVolumeMount:
		if volumes == nil {
			err := &locketerr.MaterializationError{Destination: u.Destination.String(), Reason: "no volume manager configured"}
			return unit.ReadyState{Kind: unit.ReadyFailed, Err: err}
		}
		root, err := volumes.Root(u.Destination.VolumeID)
		if err != nil {
			return unit.ReadyState{Kind: unit.ReadyFailed, Err: &locketerr.MaterializationError{Destination: u.Destination.String(), Reason: err.Error(), Cause: err}}
		}
		dest := filepath.Join(root, u.Destination.Path)
		mtime, err := WriteFile(dest, data, fileModeOrDefault(u.FileMode), dirModeOrDefault(u.DirMode), u.Owner)
		if err != nil {
			return unit.ReadyState{Kind: unit.ReadyFailed, Err: err}
		}
		return unit.ReadyState{Kind: unit.ReadyOK, MTime: mtime}

	default:
		err := &locketerr.MaterializationError{Destination: u.Destination.String(), Reason: fmt.Sprintf("unknown destination kind %q", u.Destination.Kind)}
		return unit.ReadyState{Kind: unit.ReadyFailed, Err: err}
	}
}

func fileModeOrDefault(m os.FileMode) os.FileMode {
	if m == 0 {
		return 0o600
	}
	return m
}

func dirModeOrDefault(m os.FileMode) os.FileMode {
	if m == 0 {
		return 0o700
	}
	return m
}

// timeNow exists so EnvironmentEntry materialization (which has no
// backing file to stat for an mtime) still reports a ready timestamp.
var timeNow = func() time.Time { return time.Now() }
