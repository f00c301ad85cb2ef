// Package redis provides a Redis-backed ledger.Store.
//
// Balances are plain integer keys and every mutation runs as one Lua script,
// so the balance check, the decrement and the audit entry are applied
// atomically. Scripts build entry keys at run time, which ties the store to a
// single Redis node (no cluster slot routing).
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tokligence/tokligence-canvas/internal/ledger"
)

// Store is a Redis-backed ledger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "canvas:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithNow overrides the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a ledger on an already connected client. The caller owns the
// client and closes it.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "canvas:ledger:",
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) balanceKey(userID int64) string {
	return s.keyPrefix + "balance:" + strconv.FormatInt(userID, 10)
}

func (s *Store) corrKey(correlationID string) string {
	return s.keyPrefix + "corr:" + correlationID
}

func (s *Store) purchaseKey(correlationID string) string {
	return s.keyPrefix + "purchase:" + correlationID
}

func (s *Store) userKey(userID int64) string {
	return s.keyPrefix + "user:" + strconv.FormatInt(userID, 10)
}

func (s *Store) seqKey() string { return s.keyPrefix + "seq" }

func (s *Store) openKey() string { return s.keyPrefix + "open" }

func (s *Store) entryPrefix() string { return s.keyPrefix + "entry:" }

// reserveScript debits a balance once per correlation id.
// KEYS[1] = balance, KEYS[2] = correlation hash, KEYS[3] = entry sequence,
// KEYS[4] = user entry index, KEYS[5] = open debit index
// ARGV[1] = amount, ARGV[2] = user id, ARGV[3] = correlation id,
// ARGV[4] = now (unix micros), ARGV[5] = entry key prefix, ARGV[6] = -amount
//
// Returns {status, balance}: 1 reserved, 0 insufficient, -1 duplicate.
var reserveScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[2], "debit") == 1 then
    return {-1, 0}
end
local balance = tonumber(redis.call("GET", KEYS[1]) or "0")
if balance < tonumber(ARGV[1]) then
    return {0, balance}
end
balance = redis.call("DECRBY", KEYS[1], ARGV[1])
local id = redis.call("INCR", KEYS[3])
redis.call("HSET", ARGV[5] .. id, "user_id", ARGV[2], "delta", ARGV[6], "reason", "debit_generation", "correlation_id", ARGV[3], "created_at", ARGV[4])
redis.call("HSET", KEYS[2], "debit", id, "user_id", ARGV[2], "amount", ARGV[1])
redis.call("ZADD", KEYS[4], id, id)
redis.call("ZADD", KEYS[5], ARGV[4], ARGV[3])
return {1, balance}
`)

// releaseScript refunds a reservation once.
// KEYS and ARGV[1..5] as reserveScript.
//
// Returns 1 refunded, 0 already refunded, -1 no reservation, -2 committed,
// -3 amount mismatch.
var releaseScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[2], "refund") == 1 then
    return 0
end
local owner = redis.call("HGET", KEYS[2], "user_id")
if not owner or owner ~= ARGV[2] then
    return -1
end
if redis.call("HEXISTS", KEYS[2], "commit") == 1 then
    return -2
end
if redis.call("HGET", KEYS[2], "amount") ~= ARGV[1] then
    return -3
end
redis.call("INCRBY", KEYS[1], ARGV[1])
local id = redis.call("INCR", KEYS[3])
redis.call("HSET", ARGV[5] .. id, "user_id", ARGV[2], "delta", ARGV[1], "reason", "refund_generation", "correlation_id", ARGV[3], "created_at", ARGV[4])
redis.call("HSET", KEYS[2], "refund", id)
redis.call("ZADD", KEYS[4], id, id)
redis.call("ZREM", KEYS[5], ARGV[3])
return 1
`)

// commitScript records the zero-delta consumption marker.
// KEYS[1] = correlation hash, KEYS[2] = entry sequence, KEYS[3] = user entry
// index, KEYS[4] = open debit index
// ARGV[1] = user id, ARGV[2] = correlation id, ARGV[3] = now, ARGV[4] = entry key prefix
//
// Returns 1 committed, 0 already committed, -1 no reservation, -2 refunded.
var commitScript = goredis.NewScript(`
if redis.call("HEXISTS", KEYS[1], "commit") == 1 then
    return 0
end
local owner = redis.call("HGET", KEYS[1], "user_id")
if not owner or owner ~= ARGV[1] then
    return -1
end
if redis.call("HEXISTS", KEYS[1], "refund") == 1 then
    return -2
end
local id = redis.call("INCR", KEYS[2])
redis.call("HSET", ARGV[4] .. id, "user_id", ARGV[1], "delta", "0", "reason", "commit_generation", "correlation_id", ARGV[2], "created_at", ARGV[3])
redis.call("HSET", KEYS[1], "commit", id)
redis.call("ZADD", KEYS[3], id, id)
redis.call("ZREM", KEYS[4], ARGV[2])
return 1
`)

// creditScript adds purchased tokens once per purchase id.
// KEYS[1] = balance, KEYS[2] = purchase marker, KEYS[3] = entry sequence,
// KEYS[4] = user entry index
// ARGV[1] = amount, ARGV[2] = user id, ARGV[3] = correlation id,
// ARGV[4] = now, ARGV[5] = entry key prefix
//
// Returns {applied, balance}.
var creditScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 1 then
    return {0, tonumber(redis.call("GET", KEYS[1]) or "0")}
end
local balance = redis.call("INCRBY", KEYS[1], ARGV[1])
local id = redis.call("INCR", KEYS[3])
redis.call("HSET", ARGV[5] .. id, "user_id", ARGV[2], "delta", ARGV[1], "reason", "credit_purchase", "correlation_id", ARGV[3], "created_at", ARGV[4])
redis.call("SET", KEYS[2], id)
redis.call("ZADD", KEYS[4], id, id)
return {1, balance}
`)

// Reserve debits amount if the balance covers it.
func (s *Store) Reserve(ctx context.Context, userID, amount int64, correlationID string) (int64, error) {
	if err := ledger.Validate(userID, amount, correlationID); err != nil {
		return 0, err
	}
	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.balanceKey(userID), s.corrKey(correlationID), s.seqKey(), s.userKey(userID), s.openKey()},
		amount, userID, correlationID, s.now().UnixMicro(), s.entryPrefix(), -amount,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("ledger/redis: reserve: %w", err)
	}
	switch res[0] {
	case 1:
		return res[1], nil
	case 0:
		return 0, ledger.ErrInsufficientBalance
	case -1:
		return 0, ledger.ErrDuplicateReservation
	default:
		return 0, fmt.Errorf("ledger/redis: unexpected reserve result: %d", res[0])
	}
}

// Release refunds a reservation, once.
func (s *Store) Release(ctx context.Context, userID, amount int64, correlationID string) (bool, error) {
	if err := ledger.Validate(userID, amount, correlationID); err != nil {
		return false, err
	}
	res, err := releaseScript.Run(ctx, s.client,
		[]string{s.balanceKey(userID), s.corrKey(correlationID), s.seqKey(), s.userKey(userID), s.openKey()},
		amount, userID, correlationID, s.now().UnixMicro(), s.entryPrefix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("ledger/redis: release: %w", err)
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ledger.ErrNoReservation
	case -2:
		return false, ledger.ErrAlreadyCommitted
	case -3:
		return false, ledger.ErrAmountMismatch
	default:
		return false, fmt.Errorf("ledger/redis: unexpected release result: %d", res)
	}
}

// Commit records the consumption marker.
func (s *Store) Commit(ctx context.Context, userID int64, correlationID string) (bool, error) {
	if err := ledger.Validate(userID, 1, correlationID); err != nil {
		return false, err
	}
	res, err := commitScript.Run(ctx, s.client,
		[]string{s.corrKey(correlationID), s.seqKey(), s.userKey(userID), s.openKey()},
		userID, correlationID, s.now().UnixMicro(), s.entryPrefix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("ledger/redis: commit: %w", err)
	}
	switch res {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, ledger.ErrNoReservation
	case -2:
		return false, ledger.ErrAlreadyRefunded
	default:
		return false, fmt.Errorf("ledger/redis: unexpected commit result: %d", res)
	}
}

// Credit adds purchased tokens, once per purchase id.
func (s *Store) Credit(ctx context.Context, userID, amount int64, correlationID string) (int64, error) {
	if err := ledger.Validate(userID, amount, correlationID); err != nil {
		return 0, err
	}
	res, err := creditScript.Run(ctx, s.client,
		[]string{s.balanceKey(userID), s.purchaseKey(correlationID), s.seqKey(), s.userKey(userID)},
		amount, userID, correlationID, s.now().UnixMicro(), s.entryPrefix(),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("ledger/redis: credit: %w", err)
	}
	return res[1], nil
}

// Balance returns the current balance, zero for unknown users.
func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	v, err := s.client.Get(ctx, s.balanceKey(userID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger/redis: balance: %w", err)
	}
	return v, nil
}

// Summary aggregates every entry for the user.
func (s *Store) Summary(ctx context.Context, userID int64) (ledger.Summary, error) {
	balance, err := s.Balance(ctx, userID)
	if err != nil {
		return ledger.Summary{}, err
	}
	ids, err := s.client.ZRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return ledger.Summary{}, fmt.Errorf("ledger/redis: summary: %w", err)
	}
	entries, err := s.loadEntries(ctx, ids)
	if err != nil {
		return ledger.Summary{}, err
	}
	sum := ledger.Summary{Balance: balance}
	for _, e := range entries {
		switch e.Reason {
		case ledger.ReasonDebitGeneration:
			sum.Debited += -e.Delta
		case ledger.ReasonRefundGeneration:
			sum.Refunded += e.Delta
		case ledger.ReasonCreditPurchase:
			sum.Purchased += e.Delta
			sum.Paid = true
		}
	}
	return sum, nil
}

// ListRecent returns the newest entries first.
func (s *Store) ListRecent(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger/redis: list recent: %w", err)
	}
	return s.loadEntries(ctx, ids)
}

// Entries returns the entries recorded under a correlation id in insertion order.
func (s *Store) Entries(ctx context.Context, correlationID string) ([]ledger.Entry, error) {
	vals, err := s.client.HMGet(ctx, s.corrKey(correlationID), "debit", "refund", "commit").Result()
	if err != nil {
		return nil, fmt.Errorf("ledger/redis: entries: %w", err)
	}
	var ids []string
	for _, v := range vals {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	purchase, err := s.client.Get(ctx, s.purchaseKey(correlationID)).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("ledger/redis: entries: %w", err)
	}
	if purchase != "" {
		ids = append(ids, purchase)
	}
	entries, err := s.loadEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// OpenDebits lists unresolved debits created before the cutoff.
func (s *Store) OpenDebits(ctx context.Context, before time.Time) ([]ledger.Entry, error) {
	corrs, err := s.client.ZRangeByScore(ctx, s.openKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger/redis: open debits: %w", err)
	}
	ids := make([]string, 0, len(corrs))
	for _, corr := range corrs {
		id, err := s.client.HGet(ctx, s.corrKey(corr), "debit").Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ledger/redis: open debits: %w", err)
		}
		ids = append(ids, id)
	}
	entries, err := s.loadEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Store) Close() error { return nil }

func (s *Store) loadEntries(ctx context.Context, ids []string) ([]ledger.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.entryPrefix()+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("ledger/redis: load entries: %w", err)
	}
	entries := make([]ledger.Entry, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		e, err := parseEntry(ids[i], fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseEntry(id string, fields map[string]string) (ledger.Entry, error) {
	var e ledger.Entry
	var err error
	if e.ID, err = strconv.ParseInt(id, 10, 64); err != nil {
		return e, fmt.Errorf("ledger/redis: entry id %q: %w", id, err)
	}
	if e.UserID, err = strconv.ParseInt(fields["user_id"], 10, 64); err != nil {
		return e, fmt.Errorf("ledger/redis: entry %s user: %w", id, err)
	}
	if e.Delta, err = strconv.ParseInt(fields["delta"], 10, 64); err != nil {
		return e, fmt.Errorf("ledger/redis: entry %s delta: %w", id, err)
	}
	micros, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return e, fmt.Errorf("ledger/redis: entry %s created_at: %w", id, err)
	}
	e.CreatedAt = time.UnixMicro(micros).UTC()
	e.Reason = ledger.Reason(fields["reason"])
	e.CorrelationID = fields["correlation_id"]
	return e, nil
}
