package auth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStaticAPIKeyValidatorParsing(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:t1:dataset_writer|analyst")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	identity, ok := validator.Validate(context.Background(), "k1")
	if !ok {
		t.Fatal("expected key to be valid")
	}
	if identity.TenantID != "t1" {
		t.Fatalf("TenantID = %q", identity.TenantID)
	}
	if !identity.HasRole("dataset_writer") {
		t.Fatal("expected dataset_writer role")
	}
}

func TestStaticAPIKeyValidatorRejectsBadSpec(t *testing.T) {
	_, err := NewStaticAPIKeyValidator("invalid")
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStaticAPIKeyValidatorRejectsUnknownRole(t *testing.T) {
	_, err := NewStaticAPIKeyValidator("k1:t1:query_reader")
	if err == nil {
		t.Fatal("expected unknown role error")
	}
}

func TestStaticAPIKeyValidatorMultipleEntries(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:t1:analyst, k2:t2:ops_admin|dataset_writer")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	identity, ok := validator.Validate(context.Background(), "k2")
	if !ok {
		t.Fatal("expected k2 to be valid")
	}
	if identity.TenantID != "t2" || !identity.HasRole(RoleOpsAdmin) || identity.HasRole(RoleAnalyst) {
		t.Fatalf("identity = %#v", identity)
	}
	if _, ok := validator.Validate(context.Background(), "k3"); ok {
		t.Fatal("expected k3 to be rejected")
	}
}

func TestMiddlewareRequiresKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:t1:analyst")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/datasets", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:t1:analyst")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(nil, validator)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.TenantID != "t1" {
			t.Fatalf("TenantID = %q", identity.TenantID)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/datasets", nil)
	req.Header.Set("X-API-Key", "k1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestStaticAPIKeyValidatorRejectsDuplicateKeys(t *testing.T) {
	if _, err := NewStaticAPIKeyValidator("k1:t1:analyst,k1:t2:analyst"); err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestStaticAPIKeyValidatorFingerprintsKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("secret-key:t1:analyst|analyst")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	identity, ok := validator.Validate(context.Background(), "secret-key")
	if !ok {
		t.Fatal("expected key to be valid")
	}
	if len(identity.KeyID) != 8 || strings.Contains(identity.KeyID, "secret") {
		t.Fatalf("KeyID = %q", identity.KeyID)
	}
	if len(identity.Roles) != 1 {
		t.Fatalf("Roles = %#v", identity.Roles)
	}
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:t1:ops_admin")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}
	handler := Middleware(nil, validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if !identity.HasRole(RoleOpsAdmin) {
			t.Fatalf("identity = %#v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		header string
		status int
	}{
		{header: "Bearer k1", status: http.StatusNoContent},
		{header: "bearer k1", status: http.StatusNoContent},
		{header: "Basic k1", status: http.StatusUnauthorized},
		{header: "Bearer wrong", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/datasets", nil)
		req.Header.Set("Authorization", tt.header)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != tt.status {
			t.Fatalf("%q status = %d, want %d", tt.header, rr.Code, tt.status)
		}
	}
}
