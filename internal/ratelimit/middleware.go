package ratelimit

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"
)

// UserFunc extracts the authenticated user id from a request. Zero means
// anonymous and is not limited.
type UserFunc func(*http.Request) int64

// Middleware wraps an HTTP handler with per-user rate limiting.
type Middleware struct {
	limiter   *Limiter
	enabled   bool
	userOf    UserFunc
	onLimited func(userID int64)
	logger    *log.Logger
}

// NewMiddleware creates a new rate limiting middleware. onLimited may be nil.
func NewMiddleware(limiter *Limiter, enabled bool, userOf UserFunc, onLimited func(int64), logger *log.Logger) *Middleware {
	return &Middleware{
		limiter:   limiter,
		enabled:   enabled,
		userOf:    userOf,
		onLimited: onLimited,
		logger:    logger,
	}
}

// Handler is the chi-compatible middleware.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	if !m.enabled || m.limiter == nil || m.userOf == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := m.userOf(r)
		if userID == 0 {
			next.ServeHTTP(w, r)
			return
		}
		allowed, remaining := m.limiter.Allow(r.Context(), userID)
		m.addRateLimitHeaders(w, remaining)
		if !allowed {
			if m.logger != nil {
				m.logger.Printf("rate limit exceeded: user_id=%d path=%s", userID, r.URL.Path)
			}
			if m.onLimited != nil {
				m.onLimited(userID)
			}
			retry := m.resetAfter(remaining, 1)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded, retry later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// addRateLimitHeaders follows draft-polli-ratelimit-headers.
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, remaining float64) {
	limit := m.limiter.Capacity()
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(remaining)))
	if remaining < limit {
		reset := time.Now().Add(m.resetAfter(remaining, limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}

// resetAfter is how long until the bucket holds target tokens.
func (m *Middleware) resetAfter(remaining, target float64) time.Duration {
	needed := target - remaining
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / m.limiter.RefillRate() * float64(time.Second))
}
