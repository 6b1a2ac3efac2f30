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

// Package unit defines the data model shared by discovery, resolution,
// rendering, and materialization: Template, Destination, and TemplateUnit.
package unit

import (
	"os"
	"time"

	"github.com/locketsh/locket/internal/render"
)

// TemplateKind tags which variant of Template a value holds.
type TemplateKind string

const (
	// TemplateFile was read from a file on disk at startup or re-read on
	// a watcher event.
	TemplateFile TemplateKind = "file"
	// TemplateInline came from an inline --secret label=value argument.
	TemplateInline TemplateKind = "inline"
	// TemplateLiteralFile came from an inline --secret label=@/path
	// argument: its bytes are copied verbatim, with no reference scanning.
	TemplateLiteralFile TemplateKind = "literal_file"
)

// Template is a byte sequence containing zero or more references.
type Template struct {
	Kind TemplateKind

	// SourcePath, MTime, Size apply to TemplateFile.
	SourcePath string
	MTime      time.Time
	Size       int64

	// Label applies to TemplateInline and TemplateLiteralFile.
	Label string

	// Bytes holds the template content for every kind: the file's
	// contents (TemplateFile), the inline literal text (TemplateInline),
	// or the referenced file's contents (TemplateLiteralFile).
	Bytes []byte
}

// DestinationKind tags which variant of Destination a value holds.
type DestinationKind string

const (
	DestinationPathOnDisk       DestinationKind = "path_on_disk"
	DestinationEnvironmentEntry DestinationKind = "environment_entry"
	DestinationVolumeMount      DestinationKind = "volume_mount"
)

// Destination is where a rendered template's bytes end up.
type Destination struct {
	Kind DestinationKind

	// Path is the absolute filesystem path for DestinationPathOnDisk, or
	// the path relative to the volume's tmpfs root for
	// DestinationVolumeMount.
	Path string

	// Name is the environment variable name for DestinationEnvironmentEntry.
	Name string

	// VolumeID identifies the tmpfs-backed volume for DestinationVolumeMount.
	VolumeID string
}

// String renders a destination for logging/error messages.
func (d Destination) String() string {
	switch d.Kind {
	case DestinationPathOnDisk:
		return d.Path
	case DestinationEnvironmentEntry:
		return "env:" + d.Name
	case DestinationVolumeMount:
		return "volume:" + d.VolumeID + "/" + d.Path
	default:
		return "unknown-destination"
	}
}

// WatchMode is the lifecycle choice governing whether and how a unit's
// source is re-resolved after the first cycle.
type WatchMode string

const (
	// WatchOneShot runs exactly one cycle and exits.
	WatchOneShot WatchMode = "one-shot"
	// WatchPark runs one cycle and then blocks indefinitely.
	WatchPark WatchMode = "park"
	// WatchContinuous runs cycles on demand as the watcher detects changes.
	WatchContinuous WatchMode = "watch"
)

// TemplateUnit is one logical rendering job: a template bound to a
// destination plus the policy knobs that govern its resolution and
// materialization.
type TemplateUnit struct {
	Template    Template
	Destination Destination

	InjectPolicy render.InjectPolicy
	MaxFileSize  int64
	Mode         WatchMode

	FileMode os.FileMode
	DirMode  os.FileMode

	// Owner is "user:group" or "user" when set; nil means the process's
	// effective user/group is used.
	Owner *string
}

// ReadyStateKind tags which variant of ReadyState a value holds.
type ReadyStateKind string

const (
	ReadyPending ReadyStateKind = "pending"
	ReadyOK      ReadyStateKind = "ready"
	ReadyFailed  ReadyStateKind = "failed"
)

// ReadyState records a destination's materialization status for the
// current cycle.
type ReadyState struct {
	Kind  ReadyStateKind
	MTime time.Time // set when Kind == ReadyOK
	Err   error      // set when Kind == ReadyFailed
}
