package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

func userFromHeader(r *http.Request) int64 {
	id, _ := strconv.ParseInt(r.Header.Get("X-Test-User"), 10, 64)
	return id
}

func TestMiddleware_Returns429WhenExhausted(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.5, Burst: 2})
	defer limiter.Close()
	var limited []int64
	mw := NewMiddleware(limiter, true, userFromHeader, func(id int64) { limited = append(limited, id) }, nil)
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req.Header.Set("X-Test-User", "5")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	for i := 0; i < 2; i++ {
		if rec := do(); rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rec.Code)
		}
	}
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("unexpected limit header %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if len(limited) != 1 || limited[0] != 5 {
		t.Fatalf("expected one limited callback for user 5, got %v", limited)
	}
}

func TestMiddleware_DisabledPassesThrough(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.001, Burst: 1})
	defer limiter.Close()
	mw := NewMiddleware(limiter, false, userFromHeader, nil, nil)
	h := mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/generate", nil)
		req.Header.Set("X-Test-User", "5")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}
