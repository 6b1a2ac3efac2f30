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

// Package op resolves secrets by invoking the external 1Password CLI
// (service-account auth) as a subprocess, batching references into a
// single "op read" call per up-to-ten references.
package op

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync"

	"al.essio.dev/pkg/shellescape"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/pkg/secret"
)

const (
	name           = "op"
	maxBatchSize   = 10
	defaultConcCap = 4
	maxStdoutBytes = 1 << 20 // 1 MiB: a batch of 10 field values comfortably fits
	binaryName     = "op"
)

// Config configures the op CLI client.
type Config struct {
	// ConfigDir, if set, is exported to the subprocess as OP_CONFIG_DIR so
	// the tool uses a non-default persistent configuration location.
	ConfigDir string

	// ConcurrencyCap bounds outstanding "op read" invocations. Default 4.
	ConcurrencyCap int

	// Binary overrides the executable name/path (default "op"), for tests.
	Binary string
}

// Client resolves op:// references via the op CLI.
type Client struct {
	cfg Config
}

// New returns a Client for the given Config, applying defaults.
func New(cfg Config) *Client {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = defaultConcCap
	}
	if cfg.Binary == "" {
		cfg.Binary = binaryName
	}
	return &Client{cfg: cfg}
}

var _ provider.Client = (*Client)(nil)

func (c *Client) Name() string        { return name }
func (c *Client) MaxBatchSize() int   { return maxBatchSize }
func (c *Client) ConcurrencyCap() int { return c.cfg.ConcurrencyCap }

// Validate performs the same cheap structural check as reference.Validate,
// restricted to the op provider.
func (c *Client) Validate(ref reference.Reference) error {
	if ref.Provider != reference.ProviderOp {
		return &locketerr.ProviderError{
			Kind:     locketerr.Malformed,
			Provider: name,
			Message:  fmt.Sprintf("reference provider %q is not op", ref.Provider),
		}
	}
	return ref.Validate()
}

// Prepare checks that the running user resolves in the host's user
// database, a precondition op's service-account auth relies on, and that
// the op binary is present on PATH.
func (c *Client) Prepare(ctx context.Context) error {
	if _, err := user.Current(); err != nil {
		return &locketerr.ProviderError{
			Kind:     locketerr.AuthFailure,
			Provider: name,
			Message:  "running user is not resolvable in the host user database",
			Cause:    err,
		}
	}
	if _, err := exec.LookPath(c.cfg.Binary); err != nil {
		return &locketerr.ProviderError{
			Kind:     locketerr.Unsupported,
			Provider: name,
			Message:  fmt.Sprintf("%s binary not found on PATH", c.cfg.Binary),
			Cause:    err,
		}
	}
	return nil
}

// FetchOne resolves a single reference via a one-element batch.
func (c *Client) FetchOne(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
	results, err := c.FetchMany(ctx, []reference.Reference{ref})
	if err != nil {
		return nil, err
	}
	res, ok := results[ref]
	if !ok {
		return nil, &locketerr.ProviderError{
			Kind:     locketerr.NotFound,
			Provider: name,
			Message:  "op produced no output for this reference",
		}
	}
	return res.Secret, res.Err
}

// FetchMany chunks refs into sub-batches of up to MaxBatchSize, each
// submitted to a single "op read" invocation, and demultiplexes the
// responses by their position in the argument list.
func (c *Client) FetchMany(ctx context.Context, refs []reference.Reference) (map[reference.Reference]provider.Result, error) {
	results := make(map[reference.Reference]provider.Result, len(refs))
	var mu sync.Mutex

	sem := make(chan struct{}, c.ConcurrencyCap())
	var wg sync.WaitGroup

	for start := 0; start < len(refs); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(refs) {
			end = len(refs)
		}
		chunk := refs[start:end]

		wg.Add(1)
		sem <- struct{}{}
		go func(chunk []reference.Reference) {
			defer wg.Done()
			defer func() { <-sem }()

			chunkResults := c.readBatch(ctx, chunk)
			mu.Lock()
			for ref, res := range chunkResults {
				results[ref] = res
			}
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	return results, nil
}

// readBatch runs a single "op read" invocation over chunk and demuxes
// stdout lines back onto the input references by position.
func (c *Client) readBatch(ctx context.Context, chunk []reference.Reference) map[reference.Reference]provider.Result {
	out := make(map[reference.Reference]provider.Result, len(chunk))

	args := []string{"read"}
	if len(chunk) == 1 {
		// --no-newline only makes sense for a single value: op emits one
		// newline-terminated line per URI argument, and that newline is
		// exactly what readBatch's split below demuxes a multi-ref batch
		// on, so stripping it would merge the last two values together.
		args = append(args, "--no-newline")
	}
	uris := make([]string, len(chunk))
	for i, ref := range chunk {
		uris[i] = toURI(ref)
	}
	args = append(args, uris...)

	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	if c.cfg.ConfigDir != "" {
		cmd.Env = append(os.Environ(), "OP_CONFIG_DIR="+c.cfg.ConfigDir)
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &boundedWriter{buf: &stdout, limit: maxStdoutBytes}
	cmd.Stderr = &stderr

	err := cmd.Run()
	diagnostic := shellescape.QuoteCommand(append([]string{c.cfg.Binary}, args...))

	if err != nil {
		kind := classifyError(err, stderr.String())
		provErr := &locketerr.ProviderError{
			Kind:     kind,
			Provider: name,
			Message:  fmt.Sprintf("op invocation failed (%s): %s", diagnostic, strings.TrimSpace(stderr.String())),
			Cause:    err,
		}
		for _, ref := range chunk {
			out[ref] = provider.Result{Err: refErr(provErr, ref)}
		}
		return out
	}

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	if len(lines) != len(chunk) {
		provErr := &locketerr.ProviderError{
			Kind:     locketerr.Malformed,
			Provider: name,
			Message:  fmt.Sprintf("op returned %d lines for a batch of %d (%s)", len(lines), len(chunk), diagnostic),
		}
		for _, ref := range chunk {
			out[ref] = provider.Result{Err: refErr(provErr, ref)}
		}
		return out
	}

	for i, ref := range chunk {
		out[ref] = provider.Result{
			Secret: secret.New([]byte(lines[i]), secret.Origin{Fingerprint: ref.Fingerprint(), Provider: name}),
		}
	}
	return out
}

func refErr(base *locketerr.ProviderError, ref reference.Reference) error {
	e := *base
	e.Reference = ref.Fingerprint()
	return &e
}

// toURI reconstructs the op:// URI op read expects, including query
// parameters if present.
func toURI(ref reference.Reference) string {
	var b strings.Builder
	b.WriteString("op://")
	b.WriteString(ref.Vault)
	b.WriteByte('/')
	b.WriteString(ref.Item)
	if ref.Section != "" {
		b.WriteByte('/')
		b.WriteString(ref.Section)
	}
	b.WriteByte('/')
	b.WriteString(ref.Field)
	if ref.Query != "" {
		b.WriteByte('?')
		b.WriteString(ref.Query)
	}
	return b.String()
}

// classifyError maps op's exit behavior to a ProviderError kind. op does
// not expose a structured error channel, so this is a best-effort match
// against stderr text.
func classifyError(err error, stderr string) locketerr.ProviderErrorKind {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "isn't a vault"), strings.Contains(lower, "not found"):
		return locketerr.NotFound
	case strings.Contains(lower, "not currently signed in"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "authentication"):
		return locketerr.AuthFailure
	case strings.Contains(lower, "permission"):
		return locketerr.PermissionDenied
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "try again"):
		return locketerr.Transient
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return locketerr.Malformed
		}
		return locketerr.Transient
	}
}

// boundedWriter caps the number of bytes written before returning an
// error, so a misbehaving op invocation cannot exhaust memory.
type boundedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, io.ErrShortBuffer
	}
	n, err := w.buf.Write(p)
	w.written += n
	return n, err
}
