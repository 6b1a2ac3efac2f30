package opconnect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/locketsh/locket/internal/locketerr"
	"github.com/locketsh/locket/internal/reference"
)

func mustRef(t *testing.T, body string) reference.Reference {
	t.Helper()
	ref, err := reference.ParseBody(body, map[reference.Provider]bool{reference.ProviderOpConnect: true})
	if err != nil {
		t.Fatalf("parse %q: %v", body, err)
	}
	return ref
}

func newTestServer(t *testing.T, status int, item connectItemResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(item)
	}))
}

func TestFetchOne_Success(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, connectItemResponse{
		Fields: []struct {
			ID    string `json:"id"`
			Label string `json:"label"`
			Value string `json:"value"`
		}{{Label: "password", Value: "hunter2"}},
	})
	defer srv.Close()

	c, err := New(Config{Host: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ref := mustRef(t, "opconnect://Vault/Item/password")
	got, err := c.FetchOne(t.Context(), ref)
	if err != nil {
		t.Fatalf("FetchOne: %v", err)
	}
	if string(got.Bytes()) != "hunter2" {
		t.Errorf("got %q, want %q", got.Bytes(), "hunter2")
	}
}

func TestFetchOne_FieldNotFound(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, connectItemResponse{})
	defer srv.Close()

	c, err := New(Config{Host: srv.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ref := mustRef(t, "opconnect://Vault/Item/password")
	_, err = c.FetchOne(t.Context(), ref)
	var provErr *locketerr.ProviderError
	if pe, ok := err.(*locketerr.ProviderError); ok {
		provErr = pe
	} else {
		t.Fatalf("expected *locketerr.ProviderError, got %T: %v", err, err)
	}
	if provErr.Kind != locketerr.NotFound {
		t.Errorf("got kind %v, want NotFound", provErr.Kind)
	}
}

func TestFetchOne_Unauthorized(t *testing.T) {
	srv := newTestServer(t, http.StatusUnauthorized, connectItemResponse{})
	defer srv.Close()

	c, err := New(Config{Host: srv.URL, Token: "wrong-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ref := mustRef(t, "opconnect://Vault/Item/password")
	_, err = c.FetchOne(t.Context(), ref)
	provErr, ok := err.(*locketerr.ProviderError)
	if !ok {
		t.Fatalf("expected *locketerr.ProviderError, got %T: %v", err, err)
	}
	if provErr.Kind != locketerr.AuthFailure {
		t.Errorf("got kind %v, want AuthFailure", provErr.Kind)
	}
}

func TestPrepare_RejectsMissingHost(t *testing.T) {
	c, err := New(Config{Token: "t"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Prepare(t.Context()); err == nil {
		t.Fatal("expected error for missing host")
	}
}

func TestValidate_RejectsWrongProvider(t *testing.T) {
	c, _ := New(Config{Host: "https://example.com", Token: "t"})
	ref := reference.Reference{Provider: reference.ProviderOp, Vault: "v", Item: "i", Field: "f"}
	if err := c.Validate(ref); err == nil {
		t.Fatal("expected error for non-opconnect reference")
	}
}
