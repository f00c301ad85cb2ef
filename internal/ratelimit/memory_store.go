package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps one rate.Limiter per user. Suitable for a single
// instance; use RedisStore when several instances serve the same users.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[int64]*rate.Limiter

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// NewMemoryStore creates a store that drops idle buckets every five minutes.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(5 * time.Minute)
}

// NewMemoryStoreWithCleanup creates a store with a custom cleanup interval.
// A non-positive interval disables cleanup.
func NewMemoryStoreWithCleanup(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		limiters:        make(map[int64]*rate.Limiter),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Allow(ctx context.Context, userID int64, capacity, refillRate float64) (bool, float64, error) {
	lim := s.limiter(userID, capacity, refillRate)
	allowed := lim.Allow()
	return allowed, lim.Tokens(), nil
}

func (s *MemoryStore) Remaining(ctx context.Context, userID int64, capacity, refillRate float64) (float64, error) {
	return s.limiter(userID, capacity, refillRate).Tokens(), nil
}

func (s *MemoryStore) Reset(ctx context.Context, userID int64) error {
	s.mu.Lock()
	delete(s.limiters, userID)
	s.mu.Unlock()
	return nil
}

// Close stops background cleanup.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

// Len returns the number of tracked users.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func (s *MemoryStore) limiter(userID int64, capacity, refillRate float64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[userID]
	if !ok {
		burst := int(capacity)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(refillRate), burst)
		s.limiters[userID] = lim
	}
	return lim
}

func (s *MemoryStore) cleanupLoop() {
	if s.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes buckets that have refilled to at least 95% of capacity;
// a fresh bucket behaves the same.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, lim := range s.limiters {
		if lim.Tokens() >= float64(lim.Burst())*0.95 {
			delete(s.limiters, userID)
		}
	}
}
