package resolve

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/provider"
	"github.com/locketsh/locket/internal/reference"
	"github.com/locketsh/locket/pkg/secret"
)

// mockClient is a minimal provider.Client for resolver tests. fetchOne is
// invoked once per FetchOne/FetchMany-fanout call so tests can count
// attempts and simulate transient-then-success sequences.
type mockClient struct {
	name         string
	maxBatch     int
	concCap      int
	fetchOne     func(ctx context.Context, ref reference.Reference) (*secret.Resolved, error)
	fetchManyErr error

	mu         sync.Mutex
	batchSizes []int
}

func (m *mockClient) Name() string                        { return m.name }
func (m *mockClient) MaxBatchSize() int                   { return m.maxBatch }
func (m *mockClient) ConcurrencyCap() int                 { return m.concCap }
func (m *mockClient) Validate(reference.Reference) error  { return nil }
func (m *mockClient) Prepare(context.Context) error       { return nil }

func (m *mockClient) FetchOne(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
	return m.fetchOne(ctx, ref)
}

func (m *mockClient) FetchMany(ctx context.Context, refs []reference.Reference) (map[reference.Reference]provider.Result, error) {
	if m.fetchManyErr != nil {
		return nil, m.fetchManyErr
	}
	m.mu.Lock()
	m.batchSizes = append(m.batchSizes, len(refs))
	m.mu.Unlock()
	return provider.FanOut(ctx, refs, m.concCap, m.fetchOne), nil
}

func opRef(t *testing.T, item string) reference.Reference {
	t.Helper()
	ref, err := reference.ParseBody("op://Vault/"+item+"/password", map[reference.Provider]bool{reference.ProviderOp: true})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return ref
}

func TestResolve_DedupesAcrossUnits(t *testing.T) {
	var calls int32
	client := &mockClient{
		name: "op", maxBatch: 10, concCap: 4,
		fetchOne: func(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
			atomic.AddInt32(&calls, 1)
			return secret.New([]byte("v"), secret.Origin{Fingerprint: ref.Fingerprint(), Provider: "op"}), nil
		},
	}
	registry := provider.NewRegistry()
	registry.Register(reference.ProviderOp, client)

	ref := opRef(t, "ItemA")
	// Same structural reference appears three times, as if used across
	// multiple template units.
	refs := []reference.Reference{ref, ref, ref}

	r := New(registry)
	results := r.Resolve(context.Background(), refs)

	if len(results) != 1 {
		t.Fatalf("got %d distinct results, want 1", len(results))
	}
	if calls != 1 {
		t.Errorf("got %d fetch calls, want 1 (dedup should collapse to one)", calls)
	}
}

func TestResolve_RetriesTransientThenSucceeds(t *testing.T) {
	var attempts int32
	client := &mockClient{
		name: "op", maxBatch: 10, concCap: 4,
		fetchOne: func(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 2 {
				return nil, &locketerr.ProviderError{Kind: locketerr.Transient, Provider: "op", Reference: ref.Fingerprint(), Message: "try again"}
			}
			return secret.New([]byte("ok"), secret.Origin{Fingerprint: ref.Fingerprint(), Provider: "op"}), nil
		},
	}
	registry := provider.NewRegistry()
	registry.Register(reference.ProviderOp, client)

	ref := opRef(t, "ItemB")
	r := New(registry)
	results := r.Resolve(context.Background(), []reference.Reference{ref})

	outcome, ok := results[ref]
	if !ok {
		t.Fatal("missing outcome")
	}
	if outcome.Err != nil {
		t.Fatalf("expected eventual success, got %v", outcome.Err)
	}
	if string(outcome.Secret.Bytes()) != "ok" {
		t.Errorf("got %q, want %q", outcome.Secret.Bytes(), "ok")
	}
	if attempts < 2 {
		t.Errorf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestResolve_RequestTimeoutBoundsFetchMany(t *testing.T) {
	client := &mockClient{
		name: "op", maxBatch: 10, concCap: 4,
		fetchOne: func(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	registry := provider.NewRegistry()
	registry.Register(reference.ProviderOp, client)

	ref := opRef(t, "ItemSlow")
	r := New(registry)
	r.SetRequestTimeout(10 * time.Millisecond)

	results := r.Resolve(context.Background(), []reference.Reference{ref})

	outcome, ok := results[ref]
	if !ok {
		t.Fatal("missing outcome")
	}
	if outcome.Err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
}

func TestResolve_NonTransientErrorNotRetried(t *testing.T) {
	var attempts int32
	client := &mockClient{
		name: "op", maxBatch: 10, concCap: 4,
		fetchOne: func(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, &locketerr.ProviderError{Kind: locketerr.NotFound, Provider: "op", Reference: ref.Fingerprint(), Message: "no such item"}
		},
	}
	registry := provider.NewRegistry()
	registry.Register(reference.ProviderOp, client)

	ref := opRef(t, "ItemC")
	r := New(registry)
	results := r.Resolve(context.Background(), []reference.Reference{ref})

	outcome := results[ref]
	if outcome.Err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("got %d attempts, want 1 (NotFound must not be retried)", attempts)
	}
}

func TestResolve_UnregisteredProviderFailsAll(t *testing.T) {
	registry := provider.NewRegistry()
	ref := opRef(t, "ItemD")

	r := New(registry)
	results := r.Resolve(context.Background(), []reference.Reference{ref})

	outcome := results[ref]
	if outcome.Err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	var provErr *locketerr.ProviderError
	if pe, ok := outcome.Err.(*locketerr.ProviderError); ok {
		provErr = pe
	} else {
		t.Fatalf("expected *locketerr.ProviderError, got %T", outcome.Err)
	}
	if provErr.Kind != locketerr.Unsupported {
		t.Errorf("got kind %v, want Unsupported", provErr.Kind)
	}
}

func TestResolve_BatchesRespectMaxBatchSize(t *testing.T) {
	client := &mockClient{
		name: "op", maxBatch: 3, concCap: 4,
		fetchOne: func(ctx context.Context, ref reference.Reference) (*secret.Resolved, error) {
			return secret.New([]byte("v"), secret.Origin{Fingerprint: ref.Fingerprint(), Provider: "op"}), nil
		},
	}
	registry := provider.NewRegistry()
	registry.Register(reference.ProviderOp, client)

	refs := make([]reference.Reference, 0, 7)
	for i := 0; i < 7; i++ {
		refs = append(refs, opRef(t, string(rune('A'+i))))
	}

	r := New(registry)
	results := r.Resolve(context.Background(), refs)
	if len(results) != 7 {
		t.Fatalf("got %d results, want 7", len(results))
	}
	for _, ref := range refs {
		if results[ref].Err != nil {
			t.Errorf("unexpected error for %s: %v", ref, results[ref].Err)
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.batchSizes) != 3 {
		t.Fatalf("got %d batches, want 3 (ceil(7/3))", len(client.batchSizes))
	}
	for _, size := range client.batchSizes {
		if size > client.maxBatch {
			t.Errorf("batch size %d exceeds max batch size %d", size, client.maxBatch)
		}
	}
}
