package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenValidation(t *testing.T) {
	mgr, err := NewManager("secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, err := mgr.IssueToken(42, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	userID, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if userID != 42 {
		t.Fatalf("unexpected user %d", userID)
	}
}

func TestExpiredToken(t *testing.T) {
	mgr, _ := NewManager("secret")
	token, err := mgr.IssueToken(42, -time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	_, err = mgr.ValidateToken(token)
	if !errors.Is(err, ErrTokenExpired) || !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected expiration error, got %v", err)
	}
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	a, _ := NewManager("one")
	b, _ := NewManager("two")
	token, _ := a.IssueToken(7, time.Minute)
	if _, err := b.ValidateToken(token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if _, err := a.ValidateToken("garbage"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestAuthenticator(t *testing.T) {
	mgr, _ := NewManager("secret")
	token, _ := mgr.IssueToken(9, time.Minute)
	a := &Authenticator{Manager: mgr, TrustedHeader: "X-User-ID"}

	cases := []struct {
		name    string
		headers map[string]string
		want    int64
		wantErr bool
	}{
		{"bearer", map[string]string{"Authorization": "Bearer " + token}, 9, false},
		{"lowercase scheme", map[string]string{"Authorization": "bearer " + token}, 9, false},
		{"trusted header", map[string]string{"X-User-ID": "12"}, 12, false},
		{"bad trusted header", map[string]string{"X-User-ID": "abc"}, 0, true},
		{"basic scheme", map[string]string{"Authorization": "Basic Zm9vOmJhcg=="}, 0, true},
		{"missing", nil, 0, true},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		got, err := a.Authenticate(req)
		if tc.wantErr {
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("%s: expected ErrUnauthenticated, got %v", tc.name, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %d, %v", tc.name, got, err)
		}
	}
}

func TestMiddlewareStoresUser(t *testing.T) {
	mgr, _ := NewManager("secret")
	token, _ := mgr.IssueToken(5, time.Minute)
	a := &Authenticator{Manager: mgr}
	var seen int64
	h := a.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen != 5 {
		t.Fatalf("expected user 5, got code %d user %d", rec.Code, seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestSharedSecret(t *testing.T) {
	if !SharedSecret("s3", "s3") {
		t.Fatal("equal secrets should match")
	}
	if SharedSecret("s3", "s4") || SharedSecret("", "") {
		t.Fatal("mismatched or empty secrets should not match")
	}
}
