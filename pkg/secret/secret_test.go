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

package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolved_BytesAndZero(t *testing.T) {
	r := New([]byte("p4ss"), Origin{Fingerprint: "op:abc123", Provider: "op"})
	assert.Equal(t, []byte("p4ss"), r.Bytes())

	r.Zero()
	assert.Panics(t, func() { r.Bytes() })
}

func TestResolved_ZeroIdempotent(t *testing.T) {
	r := New([]byte("p4ss"), Origin{})
	r.Zero()
	assert.NotPanics(t, func() { r.Zero() })
}

func TestResolved_StringNeverLeaksValue(t *testing.T) {
	r := New([]byte("super-secret-value"), Origin{Fingerprint: "op:abc123", Provider: "op"})
	s := r.String()
	assert.NotContains(t, s, "super-secret-value")
	assert.Contains(t, s, "abc123")
}

func TestZeroAll(t *testing.T) {
	a := New([]byte("a"), Origin{})
	b := New([]byte("b"), Origin{})
	ZeroAll([]*Resolved{a, b, nil})
	assert.Panics(t, func() { a.Bytes() })
	assert.Panics(t, func() { b.Bytes() })
}

func TestFingerprint_Deterministic(t *testing.T) {
	assert.Equal(t, Fingerprint("op://Vault/DB/password"), Fingerprint("op://Vault/DB/password"))
	assert.NotEqual(t, Fingerprint("op://Vault/DB/password"), Fingerprint("op://Vault/DB/other"))
}
