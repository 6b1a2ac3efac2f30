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

// Package secret provides ResolvedSecret, a wrapper around resolved secret
// bytes that resists accidental exposure through logs, panics, or %v
// formatting, and that can be zeroized once its enclosing resolution cycle
// completes.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Origin identifies where a resolved secret's bytes came from, for
// diagnostics only. It never carries a raw reference value.
type Origin struct {
	// Fingerprint is the reference's log-safe identifier.
	Fingerprint string
	// Provider is the provider name that produced the value.
	Provider string
}

// Resolved wraps a secret's byte value plus its Origin. The zero value is
// not usable; construct with New. Resolved is not safe for concurrent
// mutation (Zero/Bytes), but concurrent reads of distinct Resolved values
// are fine.
type Resolved struct {
	mu     sync.Mutex
	value  []byte
	origin Origin
	zeroed bool
}

// New wraps value (which Resolved now owns — callers must not retain or
// mutate their copy after this call) with its Origin.
func New(value []byte, origin Origin) *Resolved {
	return &Resolved{value: value, origin: origin}
}

// Bytes returns the secret's raw bytes. Panics if the value has already
// been zeroized, since that indicates a use-after-cycle bug.
func (r *Resolved) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zeroed {
		panic("secret: Bytes() called on a zeroized Resolved")
	}
	return r.value
}

// Origin returns the secret's origin metadata.
func (r *Resolved) Origin() Origin {
	return r.origin
}

// Zero overwrites the backing byte slice with zeros. Safe to call more
// than once. Call this as soon as every destination that depends on this
// secret has finished materializing.
func (r *Resolved) Zero() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zeroed {
		return
	}
	for i := range r.value {
		r.value[i] = 0
	}
	r.zeroed = true
}

// String deliberately never renders the value, so %v/%s formatting and
// accidental logging never leak it.
func (r *Resolved) String() string {
	return fmt.Sprintf("secret.Resolved{fingerprint=%s, provider=%s}", r.origin.Fingerprint, r.origin.Provider)
}

// GoString satisfies the fmt.GoStringer interface so %#v also stays safe.
func (r *Resolved) GoString() string {
	return r.String()
}

// Fingerprint derives a deterministic, non-reversible identifier from raw
// reference bytes. Exposed for callers (e.g. inline --secret values) that
// need a cache key or log label without going through internal/reference.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:6])
}

// Zeroer is implemented by anything that can scrub itself from memory.
// The resolver's cache and the materializer both depend on this interface
// rather than the concrete Resolved type, so fakes can exercise the same
// zeroization contract in tests.
type Zeroer interface {
	Zero()
}

// ZeroAll zeroizes every secret in the slice.
func ZeroAll(secrets []*Resolved) {
	for _, s := range secrets {
		if s != nil {
			s.Zero()
		}
	}
}
