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

// Package provider defines the uniform capability set implemented by
// each secret backend (op, op-connect, bws, infisical) and a registry
// that routes references to the client for their Provider.
package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/pkg/secret"
)

// Client is the capability set every provider backend implements.
type Client interface {
	// Name identifies the provider for logging and error attribution.
	Name() string

	// MaxBatchSize is the largest batch FetchMany will be asked to
	// resolve in one call (1 for providers without a true batch
	// endpoint).
	MaxBatchSize() int

	// ConcurrencyCap bounds outstanding requests to this provider.
	ConcurrencyCap() int

	// Validate performs cheap structural validation with no network call.
	Validate(ref reference.Reference) error

	// Prepare performs one-time authentication warm-up. Called before
	// the first resolution cycle.
	Prepare(ctx context.Context) error

	// FetchOne resolves a single reference.
	FetchOne(ctx context.Context, ref reference.Reference) (*secret.Resolved, error)

	// FetchMany resolves a batch. The default adapter in this package
	// fans out to FetchOne under ConcurrencyCap; clients with a true
	// batch endpoint (op) implement this directly.
	FetchMany(ctx context.Context, refs []reference.Reference) (map[reference.Reference]Result, error)
}

// Result pairs a fetch outcome for one reference within a batch.
type Result struct {
	Secret *secret.Resolved
	Err    error
}

// Registry routes references to their provider's Client by Reference.Provider.
type Registry struct {
	mu      sync.RWMutex
	clients map[reference.Provider]Client
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[reference.Provider]Client)}
}

// Register associates a Client with the provider it serves.
func (r *Registry) Register(p reference.Provider, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[p] = c
}

// Get returns the Client registered for p, or a locketerr.ProviderError
// with kind Unsupported if none is active.
func (r *Registry) Get(p reference.Provider) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[p]
	if !ok {
		return nil, &locketerr.ProviderError{
			Kind:     locketerr.Unsupported,
			Provider: string(p),
			Message:  fmt.Sprintf("provider %q is not configured", p),
		}
	}
	return c, nil
}

// Active returns the set of providers with a registered client, for
// reference-grammar validation (C1) and default-application (Infisical).
func (r *Registry) Active() map[reference.Provider]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[reference.Provider]bool, len(r.clients))
	for p := range r.clients {
		out[p] = true
	}
	return out
}

// PrepareAll calls Prepare on every registered client, even after one
// fails, and returns the first error encountered; later errors are
// discarded.
func (r *Registry) PrepareAll(ctx context.Context) error {
	r.mu.RLock()
	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Prepare(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// FanOut is the default FetchMany adapter: it issues FetchOne calls
// concurrently, with at most cap in flight. Providers without a true batch
// endpoint call it from their FetchMany method.
func FanOut(ctx context.Context, refs []reference.Reference, cap int, fetchOne func(context.Context, reference.Reference) (*secret.Resolved, error)) map[reference.Reference]Result {
	results := make(map[reference.Reference]Result, len(refs))
	var mu sync.Mutex

	if cap <= 0 {
		cap = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cap)

	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			s, err := fetchOne(gctx, ref)
			mu.Lock()
			results[ref] = Result{Secret: s, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
