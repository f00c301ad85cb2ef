package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// takeScript is a token bucket kept in a hash {tokens, last_refill}.
// ARGV: capacity, refill rate per second, now (seconds, fractional), cost.
// Returns {allowed, remaining} with remaining as a string to keep the
// fraction.
var takeScript = goredis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now
local stored = redis.call('HMGET', key, 'tokens', 'last_refill')
if stored[1] then
	tokens = tonumber(stored[1])
	last_refill = tonumber(stored[2])
end

local elapsed = now - last_refill
if elapsed < 0 then
	elapsed = 0
end
tokens = math.min(capacity, tokens + (elapsed * refill_rate))

local allowed = 0
if cost > 0 and tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end
if cost > 0 then
	redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(now))
	redis.call('EXPIRE', key, tonumber(ARGV[5]))
end
return {allowed, tostring(tokens)}
`)

// RedisStore is a token bucket per user shared across instances.
type RedisStore struct {
	client goredis.Cmdable
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithRedisKeyPrefix namespaces bucket keys. Default "canvas:ratelimit:".
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// WithRedisNow overrides the clock used for refills.
func WithRedisNow(now func() time.Time) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

// NewRedisStore wraps an existing client. Idle buckets expire after an hour.
func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "canvas:ratelimit:",
		ttl:    time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(userID int64) string {
	return s.prefix + "user:" + strconv.FormatInt(userID, 10)
}

func (s *RedisStore) Allow(ctx context.Context, userID int64, capacity, refillRate float64) (bool, float64, error) {
	return s.take(ctx, userID, capacity, refillRate, 1)
}

func (s *RedisStore) Remaining(ctx context.Context, userID int64, capacity, refillRate float64) (float64, error) {
	_, remaining, err := s.take(ctx, userID, capacity, refillRate, 0)
	return remaining, err
}

func (s *RedisStore) Reset(ctx context.Context, userID int64) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}

// Close is a no-op; the caller owns the client.
func (s *RedisStore) Close() error { return nil }

func (s *RedisStore) take(ctx context.Context, userID int64, capacity, refillRate float64, cost int) (bool, float64, error) {
	now := float64(s.now().UnixNano()) / float64(time.Second)
	res, err := takeScript.Run(ctx, s.client, []string{s.key(userID)},
		capacity, refillRate, strconv.FormatFloat(now, 'f', 6, 64), cost, int(s.ttl.Seconds())).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed, _ := res[0].(int64)
	remainingStr, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(remainingStr, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: parse remaining %q: %w", remainingStr, err)
	}
	return allowed == 1, remaining, nil
}
