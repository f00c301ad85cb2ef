package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, now func() time.Time) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, WithRedisNow(now)), mr
}

func TestRedisStore_TokenBucket(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store, _ := newRedisStore(t, func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := store.Allow(ctx, 1, 3, 1)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	ok, remaining, err := store.Allow(ctx, 1, 3, 1)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Fatal("4th request should be denied")
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %f", remaining)
	}

	now = now.Add(1500 * time.Millisecond)
	got, err := store.Remaining(ctx, 1, 3, 1)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if got < 1.49 || got > 1.51 {
		t.Fatalf("expected ~1.5 tokens after refill, got %f", got)
	}
	if ok, _, _ := store.Allow(ctx, 1, 3, 1); !ok {
		t.Fatal("refilled bucket should allow a request")
	}
}

func TestRedisStore_ResetAndExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store, mr := newRedisStore(t, func() time.Time { return now })
	ctx := context.Background()

	store.Allow(ctx, 9, 1, 0.01)
	if ok, _, _ := store.Allow(ctx, 9, 1, 0.01); ok {
		t.Fatal("second request should be denied")
	}
	key := store.key(9)
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Fatalf("expected 1h ttl on %s, got %s", key, ttl)
	}
	if err := store.Reset(ctx, 9); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("bucket should be gone after reset")
	}
	if ok, _, _ := store.Allow(ctx, 9, 1, 0.01); !ok {
		t.Fatal("request after reset should be allowed")
	}
}

func TestRedisStore_BacksLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store, _ := newRedisStore(t, func() time.Time { return now })
	limiter := NewLimiter(Config{Store: store, RequestsPerSecond: 1, Burst: 2})
	ctx := context.Background()

	limiter.Allow(ctx, 3)
	limiter.Allow(ctx, 3)
	if ok, _ := limiter.Allow(ctx, 3); ok {
		t.Fatal("third request should be denied")
	}
	if ok, _ := limiter.Allow(ctx, 4); !ok {
		t.Fatal("another user has its own bucket")
	}
}
