// Package ratelimit throttles POST /generate per user. Buckets live in
// memory for a single instance or in Redis when several instances share
// users.
package ratelimit

import (
	"context"
	"io"
	"log"
)

// Store holds per-user token buckets.
type Store interface {
	// Allow takes one token from the user's bucket.
	Allow(ctx context.Context, userID int64, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	// Remaining reports the tokens left without consuming one.
	Remaining(ctx context.Context, userID int64, capacity, refillRate float64) (float64, error)
	// Reset refills the user's bucket.
	Reset(ctx context.Context, userID int64) error
	Close() error
}

// Limiter applies the configured per-user limit to a Store.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
	logger     *log.Logger
}

// Config holds configuration for the rate limiter.
type Config struct {
	// Store defaults to a MemoryStore.
	Store Store

	RequestsPerSecond float64 // sustained rate
	Burst             float64 // bucket capacity

	Logger *log.Logger
}

// DefaultConfig returns production defaults: 2 requests per second, burst 10.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 2, Burst: 10}
}

// NewLimiter creates a limiter, filling zero values from DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Limiter{
		store:      store,
		capacity:   cfg.Burst,
		refillRate: cfg.RequestsPerSecond,
		logger:     logger,
	}
}

// Allow reports whether the user may make another request and how many
// remain in the bucket. A store failure fails open.
func (l *Limiter) Allow(ctx context.Context, userID int64) (bool, float64) {
	if userID == 0 {
		return true, l.capacity
	}
	allowed, remaining, err := l.store.Allow(ctx, userID, l.capacity, l.refillRate)
	if err != nil {
		l.logger.Printf("ratelimit store error for user %d, allowing: %v", userID, err)
		return true, l.capacity
	}
	return allowed, remaining
}

// Remaining returns the tokens left for the user.
func (l *Limiter) Remaining(ctx context.Context, userID int64) float64 {
	if userID == 0 {
		return l.capacity
	}
	remaining, err := l.store.Remaining(ctx, userID, l.capacity, l.refillRate)
	if err != nil {
		return l.capacity
	}
	return remaining
}

// Reset refills the user's bucket.
func (l *Limiter) Reset(ctx context.Context, userID int64) error {
	return l.store.Reset(ctx, userID)
}

// Capacity is the bucket size.
func (l *Limiter) Capacity() float64 { return l.capacity }

// RefillRate is the sustained rate in tokens per second.
func (l *Limiter) RefillRate() float64 { return l.refillRate }

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
