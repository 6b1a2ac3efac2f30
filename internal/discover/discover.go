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

// Package discover turns SRC:DST source declarations and inline --secret
// arguments into TemplateUnits.
package discover

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/internal/unit"
	"github.com/locketsh/locket/internal/watch"
)

// Options carries the policy defaults new TemplateUnits are stamped with,
// and the hidden-file inclusion toggle.
type Options struct {
	InjectPolicy render.InjectPolicy
	MaxFileSize  int64
	Mode         unit.WatchMode
	FileMode     os.FileMode
	DirMode      os.FileMode
	Owner        *string

	// IncludeHidden controls whether dotfiles are discovered. The zero
	// value filters them; the CLI sets it true unless the config's
	// watch.include_hidden says otherwise.
	IncludeHidden bool

	// ExcludePatterns are doublestar globs applied in addition to hidden-
	// file filtering (e.g. editor swap files).
	ExcludePatterns []string
}

// Pair is one parsed SRC:DST (or SRC=DST) declaration.
type Pair struct {
	Src string
	Dst string
}

// ParsePairs splits a comma-separated argument into SRC:DST pairs. Each
// pair's separator may be either ':' or '='.
func ParsePairs(arg string) ([]Pair, error) {
	var pairs []Pair
	for _, raw := range strings.Split(arg, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sep := strings.IndexAny(raw, ":=")
		if sep <= 0 || sep == len(raw)-1 {
			return nil, &locketerr.ConfigError{
				Key:    "sources",
				Reason: fmt.Sprintf("%q is not a SRC:DST or SRC=DST pair", raw),
			}
		}
		pairs = append(pairs, Pair{Src: raw[:sep], Dst: raw[sep+1:]})
	}
	return pairs, nil
}

// Discover expands pairs into TemplateUnits, reading file-backed template
// bytes from disk. Directory sources are walked recursively; each regular
// file below SRC yields one unit whose destination mirrors the file's path
// relative to SRC, rooted at DST.
func Discover(pairs []Pair, opts Options) ([]unit.TemplateUnit, error) {
	var matcher *watch.PatternMatcher
	if len(opts.ExcludePatterns) > 0 {
		m, err := watch.NewPatternMatcher(nil, opts.ExcludePatterns)
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "exclude_patterns", Reason: err.Error(), Cause: err}
		}
		matcher = m
	}

	var units []unit.TemplateUnit
	for _, pair := range pairs {
		srcPath, err := watch.NormalizePath(pair.Src)
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "sources", Reason: fmt.Sprintf("source %q: %v", pair.Src, err), Cause: err}
		}

		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, &locketerr.ConfigError{Key: "sources", Reason: fmt.Sprintf("source %q: %v", pair.Src, err), Cause: err}
		}

		if info.IsDir() {
			dirUnits, err := discoverDir(srcPath, pair.Dst, opts, matcher)
			if err != nil {
				return nil, err
			}
			units = append(units, dirUnits...)
			continue
		}

		u, err := fileUnit(srcPath, pair.Dst, opts)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}

	if err := CheckDuplicateDestinations(units); err != nil {
		return nil, err
	}
	return units, nil
}

func discoverDir(srcDir, dstDir string, opts Options, matcher *watch.PatternMatcher) ([]unit.TemplateUnit, error) {
	var units []unit.TemplateUnit

	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		if !opts.IncludeHidden && hasHiddenComponent(rel) {
			return nil
		}
		if matcher != nil && !matcher.Match(rel) {
			return nil
		}

		// filepath.Walk reports symlinks via Lstat without following
		// them; ResolveSymlink resolves the link to its target for
		// identity, and the destination always receives a regular
		// materialized file, never a symlink.
		resolved, err := watch.ResolveSymlink(path)
		if err != nil {
			return err
		}

		u, err := fileUnit(resolved, filepath.Join(dstDir, rel), opts)
		if err != nil {
			return err
		}
		units = append(units, u)
		return nil
	})
	if err != nil {
		return nil, &locketerr.ConfigError{Key: "sources", Reason: fmt.Sprintf("walking %q: %v", srcDir, err), Cause: err}
	}
	return units, nil
}

func hasHiddenComponent(rel string) bool {
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func fileUnit(srcPath, dstPath string, opts Options) (unit.TemplateUnit, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return unit.TemplateUnit{}, &locketerr.ConfigError{Key: "sources", Reason: fmt.Sprintf("source %q: %v", srcPath, err), Cause: err}
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return unit.TemplateUnit{}, &locketerr.ConfigError{Key: "sources", Reason: fmt.Sprintf("reading %q: %v", srcPath, err), Cause: err}
	}

	return unit.TemplateUnit{
		Template: unit.Template{
			Kind:       unit.TemplateFile,
			SourcePath: srcPath,
			MTime:      info.ModTime(),
			Size:       info.Size(),
			Bytes:      data,
		},
		Destination: unit.Destination{
			Kind: unit.DestinationPathOnDisk,
			Path: dstPath,
		},
		InjectPolicy: opts.InjectPolicy,
		MaxFileSize:  opts.MaxFileSize,
		Mode:         opts.Mode,
		FileMode:     opts.FileMode,
		DirMode:      opts.DirMode,
		Owner:        opts.Owner,
	}, nil
}

// InlineDestinationMode selects how an inline --secret argument's
// destination is constructed: as a process environment entry (exec/
// compose modes) or as a file beneath an output directory (inject mode).
type InlineDestinationMode string

const (
	InlineAsEnvironment InlineDestinationMode = "environment"
	InlineAsFile        InlineDestinationMode = "file"
)

// ParseInlineSecret parses one "--secret label=value", "label=@/path", or
// "label={{reference}}" argument into a TemplateUnit.
func ParseInlineSecret(spec string, destMode InlineDestinationMode, outDir string, opts Options) (unit.TemplateUnit, error) {
	eq := strings.IndexByte(spec, '=')
	if eq <= 0 {
		return unit.TemplateUnit{}, &locketerr.ConfigError{Key: "secret", Reason: fmt.Sprintf("%q is not a label=value argument", spec)}
	}
	label := spec[:eq]
	value := spec[eq+1:]

	tmpl := unit.Template{Label: label}
	switch {
	case strings.HasPrefix(value, "@"):
		path := strings.TrimPrefix(value, "@")
		data, err := os.ReadFile(path)
		if err != nil {
			return unit.TemplateUnit{}, &locketerr.ConfigError{Key: "secret", Reason: fmt.Sprintf("reading %q: %v", path, err), Cause: err}
		}
		tmpl.Kind = unit.TemplateLiteralFile
		tmpl.SourcePath = path
		tmpl.Bytes = data
	default:
		tmpl.Kind = unit.TemplateInline
		tmpl.Bytes = []byte(value)
	}

	var dest unit.Destination
	switch destMode {
	case InlineAsEnvironment:
		dest = unit.Destination{Kind: unit.DestinationEnvironmentEntry, Name: label}
	case InlineAsFile:
		dest = unit.Destination{Kind: unit.DestinationPathOnDisk, Path: filepath.Join(outDir, label)}
	default:
		return unit.TemplateUnit{}, &locketerr.ConfigError{Key: "secret", Reason: fmt.Sprintf("unknown inline destination mode %q", destMode)}
	}

	return unit.TemplateUnit{
		Template:     tmpl,
		Destination:  dest,
		InjectPolicy: opts.InjectPolicy,
		MaxFileSize:  opts.MaxFileSize,
		Mode:         opts.Mode,
		FileMode:     opts.FileMode,
		DirMode:      opts.DirMode,
		Owner:        opts.Owner,
	}, nil
}

// CheckDuplicateDestinations rejects a unit set where two units target the
// same Destination, per the invariant that a destination has exactly one
// Ready transition per cycle.
func CheckDuplicateDestinations(units []unit.TemplateUnit) error {
	seen := make(map[string]struct{}, len(units))
	for _, u := range units {
		key := string(u.Destination.Kind) + ":" + u.Destination.String()
		if _, ok := seen[key]; ok {
			return &locketerr.ConfigError{
				Key:    "sources",
				Reason: fmt.Sprintf("duplicate destination %s", u.Destination.String()),
			}
		}
		seen[key] = struct{}{}
	}
	return nil
}
