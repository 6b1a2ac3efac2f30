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

// Package resolve implements one resolution cycle: dedup references across
// all template units, partition and batch them per provider, dispatch
// concurrently under each provider's cap, and retry transient failures.
package resolve

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/internal/render"
	"github.com/locketsh/locket/pkg/secret"
)

const (
	retryInitialInterval = 200 * time.Millisecond
	retryMultiplier      = 2.0
	retryJitter          = 0.25
	// retryMaxTries bounds the *additional* attempts made after a
	// reference's first FetchMany attempt came back Transient, so the
	// total is three attempts per spec.
	retryMaxTries = 2

	// DefaultRequestTimeout bounds a single provider call (FetchMany or
	// one FetchOne retry attempt), so a stalled provider connection
	// cannot stall an entire cycle.
	DefaultRequestTimeout = 30 * time.Second
)

// Resolver dispatches a cycle's references to their providers. It holds no
// state across calls: the per-cycle cache described in the design is the
// in-memory result map built and returned by a single Resolve call, and is
// discarded afterward ("invalidated wholesale" on the next cycle).
type Resolver struct {
	registry       *provider.Registry
	requestTimeout time.Duration
}

// New returns a Resolver backed by registry, with provider calls bounded
// by DefaultRequestTimeout.
func New(registry *provider.Registry) *Resolver {
	return &Resolver{registry: registry, requestTimeout: DefaultRequestTimeout}
}

// SetRequestTimeout overrides the per-provider-call timeout. A
// non-positive value disables the timeout.
func (r *Resolver) SetRequestTimeout(d time.Duration) {
	r.requestTimeout = d
}

// Resolve collects, dedupes, partitions, batches, and dispatches refs,
// returning a per-reference outcome. It never returns an error itself:
// per-reference failures are carried in the returned map so the caller can
// apply each unit's inject_policy independently.
func (r *Resolver) Resolve(ctx context.Context, refs []reference.Reference) map[reference.Reference]render.Outcome {
	unique := dedupe(refs)
	byProvider := partition(unique)

	results := make(map[reference.Reference]render.Outcome, len(unique))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for p, providerRefs := range byProvider {
		p, providerRefs := p, providerRefs
		g.Go(func() error {
			r.resolveProvider(gctx, p, providerRefs, results, &mu)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Resolver) resolveProvider(ctx context.Context, p reference.Provider, refs []reference.Reference, results map[reference.Reference]render.Outcome, mu *sync.Mutex) {
	client, err := r.registry.Get(p)
	if err != nil {
		mu.Lock()
		for _, ref := range refs {
			results[ref] = render.Outcome{Err: err}
		}
		mu.Unlock()
		return
	}

	batches := chunk(refs, client.MaxBatchSize())
	concCap := client.ConcurrencyCap()
	if concCap <= 0 {
		concCap = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concCap)

	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			batchResults := r.resolveBatch(gctx, client, batch, r.requestTimeout)
			mu.Lock()
			for ref, outcome := range batchResults {
				results[ref] = outcome
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// resolveBatch issues one FetchMany call, then retries only the references
// that failed with a Transient error, each independently via FetchOne.
func (r *Resolver) resolveBatch(ctx context.Context, client provider.Client, batch []reference.Reference, requestTimeout time.Duration) map[reference.Reference]render.Outcome {
	out := make(map[reference.Reference]render.Outcome, len(batch))

	fetchCtx, cancel := withTimeout(ctx, requestTimeout)
	defer cancel()
	raw, err := client.FetchMany(fetchCtx, batch)
	if err != nil {
		for _, ref := range batch {
			out[ref] = render.Outcome{Err: err}
		}
		return out
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range batch {
		res, ok := raw[ref]
		if !ok {
			mu.Lock()
			out[ref] = render.Outcome{Err: &locketerr.ProviderError{
				Kind:      locketerr.NotFound,
				Provider:  client.Name(),
				Reference: ref.Fingerprint(),
				Message:   "provider produced no result for this reference",
			}}
			mu.Unlock()
			continue
		}

		if res.Err != nil && locketerr.IsTransient(res.Err) {
			ref := ref
			g.Go(func() error {
				s, err := retryFetchOne(gctx, client, ref, requestTimeout)
				mu.Lock()
				out[ref] = render.Outcome{Secret: s, Err: err}
				mu.Unlock()
				return nil
			})
			continue
		}

		mu.Lock()
		out[ref] = render.Outcome{Secret: res.Secret, Err: res.Err}
		mu.Unlock()
	}
	_ = g.Wait()

	return out
}

// retryFetchOne retries a single reference with exponential backoff and
// jitter, stopping as soon as a non-Transient error is seen. Each attempt
// carries its own requestTimeout, independent of the backoff wait between
// attempts.
func retryFetchOne(ctx context.Context, client provider.Client, ref reference.Reference, requestTimeout time.Duration) (*secret.Resolved, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = retryMultiplier
	b.RandomizationFactor = retryJitter

	op := func() (*secret.Resolved, error) {
		attemptCtx, cancel := withTimeout(ctx, requestTimeout)
		defer cancel()
		s, err := client.FetchOne(attemptCtx, ref)
		if err == nil {
			return s, nil
		}
		if locketerr.IsTransient(err) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(retryMaxTries),
	)
}

// withTimeout derives a child context bounded by d, unless d is
// non-positive (timeout disabled), in which case ctx is returned as-is
// with a no-op cancel.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// dedupe collapses refs to their structurally-distinct set. Reference is
// fully comparable, so plain map-key equality is dedup by structural
// identity.
func dedupe(refs []reference.Reference) []reference.Reference {
	seen := make(map[reference.Reference]struct{}, len(refs))
	out := make([]reference.Reference, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}

func partition(refs []reference.Reference) map[reference.Provider][]reference.Reference {
	byProvider := make(map[reference.Provider][]reference.Reference)
	for _, ref := range refs {
		byProvider[ref.Provider] = append(byProvider[ref.Provider], ref)
	}
	return byProvider
}

func chunk(refs []reference.Reference, size int) [][]reference.Reference {
	if size <= 0 {
		size = 1
	}
	var batches [][]reference.Reference
	for start := 0; start < len(refs); start += size {
		end := start + size
		if end > len(refs) {
			end = len(refs)
		}
		batches = append(batches, refs[start:end])
	}
	return batches
}
