// Package sqlledger implements ledger.Store on top of database/sql. The SQLite
// and PostgreSQL backends share this engine and differ only in schema and
// dialect.
package sqlledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tokligence/tokligence-canvas/internal/ledger"
	"github.com/tokligence/tokligence-canvas/internal/sqlutil"
)

// Engine is a ledger.Store over a *sql.DB whose schema already exists.
type Engine struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	now     func() time.Time
}

var _ ledger.Store = (*Engine)(nil)

// New wraps db. The caller owns schema creation.
func New(db *sql.DB, dialect sqlutil.Dialect) *Engine {
	return &Engine{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// SetNow overrides the timestamp source.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// DB exposes the handle for health checks.
func (e *Engine) DB() *sql.DB { return e.db }

// Close releases the underlying database.
func (e *Engine) Close() error { return e.db.Close() }

func (e *Engine) q(query string) string { return e.dialect.Rebind(query) }

// Reserve performs the conditional debit and writes the debit entry in one
// transaction.
func (e *Engine) Reserve(ctx context.Context, userID, amount int64, correlationID string) (int64, error) {
	if err := ledger.Validate(userID, amount, correlationID); err != nil {
		return 0, err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx, e.q(`SELECT COUNT(1) FROM ledger_entries WHERE correlation_id = ? AND reason = ?`),
		correlationID, string(ledger.ReasonDebitGeneration)).Scan(&existing)
	if err != nil {
		return 0, fmt.Errorf("check reservation: %w", err)
	}
	if existing > 0 {
		return 0, ledger.ErrDuplicateReservation
	}

	now := e.now()
	var balance int64
	err = tx.QueryRowContext(ctx, e.q(`
UPDATE token_balances SET balance = balance - ?, updated_at = ?
WHERE user_id = ? AND balance >= ?
RETURNING balance`), amount, now, userID, amount).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}

	if err := e.insertEntry(ctx, tx, userID, -amount, ledger.ReasonDebitGeneration, correlationID, now); err != nil {
		if e.dialect.Unique(err) {
			return 0, ledger.ErrDuplicateReservation
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		if e.dialect.Unique(err) {
			return 0, ledger.ErrDuplicateReservation
		}
		return 0, fmt.Errorf("commit reserve: %w", err)
	}
	return balance, nil
}

// Release refunds a reservation once. A second call for the same correlation
// id is a successful no-op.
func (e *Engine) Release(ctx context.Context, userID, amount int64, correlationID string) (bool, error) {
	if err := ledger.Validate(userID, amount, correlationID); err != nil {
		return false, err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.lockBalance(ctx, tx, userID); err != nil {
		return false, err
	}
	state, err := e.correlationState(ctx, tx, correlationID)
	if err != nil {
		return false, err
	}
	if state.refunded {
		return false, nil
	}
	if state.debit == nil || state.debit.UserID != userID {
		return false, ledger.ErrNoReservation
	}
	if state.committed {
		return false, ledger.ErrAlreadyCommitted
	}
	if -state.debit.Delta != amount {
		return false, fmt.Errorf("%w: reserved %d, release %d", ledger.ErrAmountMismatch, -state.debit.Delta, amount)
	}

	now := e.now()
	if _, err := tx.ExecContext(ctx, e.q(`UPDATE token_balances SET balance = balance + ?, updated_at = ? WHERE user_id = ?`),
		amount, now, userID); err != nil {
		return false, fmt.Errorf("credit refund: %w", err)
	}
	if err := e.insertEntry(ctx, tx, userID, amount, ledger.ReasonRefundGeneration, correlationID, now); err != nil {
		if e.dialect.Unique(err) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		if e.dialect.Unique(err) {
			return false, nil
		}
		return false, fmt.Errorf("commit release: %w", err)
	}
	return true, nil
}

// Commit writes the zero-delta consumption marker.
func (e *Engine) Commit(ctx context.Context, userID int64, correlationID string) (bool, error) {
	if err := ledger.Validate(userID, 1, correlationID); err != nil {
		return false, err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := e.lockBalance(ctx, tx, userID); err != nil {
		return false, err
	}
	state, err := e.correlationState(ctx, tx, correlationID)
	if err != nil {
		return false, err
	}
	if state.committed {
		return false, nil
	}
	if state.debit == nil || state.debit.UserID != userID {
		return false, ledger.ErrNoReservation
	}
	if state.refunded {
		return false, ledger.ErrAlreadyRefunded
	}
	if err := e.insertEntry(ctx, tx, userID, 0, ledger.ReasonCommitGeneration, correlationID, e.now()); err != nil {
		if e.dialect.Unique(err) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit marker: %w", err)
	}
	return true, nil
}

// Credit adds purchased tokens. Replaying the same correlation id returns the
// current balance without crediting twice.
func (e *Engine) Credit(ctx context.Context, userID, amount int64, correlationID string) (int64, error) {
	if err := ledger.Validate(userID, amount, correlationID); err != nil {
		return 0, err
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin credit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx, e.q(`SELECT COUNT(1) FROM ledger_entries WHERE correlation_id = ? AND reason = ?`),
		correlationID, string(ledger.ReasonCreditPurchase)).Scan(&existing)
	if err != nil {
		return 0, fmt.Errorf("check credit: %w", err)
	}
	if existing > 0 {
		_ = tx.Rollback()
		return e.Balance(ctx, userID)
	}

	now := e.now()
	var balance int64
	err = tx.QueryRowContext(ctx, e.q(`
INSERT INTO token_balances(user_id, balance, updated_at) VALUES(?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET balance = token_balances.balance + excluded.balance, updated_at = excluded.updated_at
RETURNING balance`), userID, amount, now).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("credit balance: %w", err)
	}
	if err := e.insertEntry(ctx, tx, userID, amount, ledger.ReasonCreditPurchase, correlationID, now); err != nil {
		if e.dialect.Unique(err) {
			_ = tx.Rollback()
			return e.Balance(ctx, userID)
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit credit: %w", err)
	}
	return balance, nil
}

// Balance returns the user's balance, zero when no row exists.
func (e *Engine) Balance(ctx context.Context, userID int64) (int64, error) {
	if userID == 0 {
		return 0, errors.New("user id required")
	}
	var balance int64
	err := e.db.QueryRowContext(ctx, e.q(`SELECT balance FROM token_balances WHERE user_id = ?`), userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Summary aggregates the user's entries.
func (e *Engine) Summary(ctx context.Context, userID int64) (ledger.Summary, error) {
	balance, err := e.Balance(ctx, userID)
	if err != nil {
		return ledger.Summary{}, err
	}
	row := e.db.QueryRowContext(ctx, e.q(`
SELECT
	COALESCE(SUM(CASE WHEN reason = 'debit_generation' THEN -delta ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN reason = 'refund_generation' THEN delta ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN reason = 'credit_purchase' THEN delta ELSE 0 END), 0),
	COUNT(CASE WHEN reason = 'credit_purchase' THEN 1 END)
FROM ledger_entries
WHERE user_id = ?`), userID)
	var debited, refunded, purchased sql.NullInt64
	var purchases int64
	if err := row.Scan(&debited, &refunded, &purchased, &purchases); err != nil {
		return ledger.Summary{}, err
	}
	return ledger.Summary{
		Balance:   balance,
		Debited:   debited.Int64,
		Refunded:  refunded.Int64,
		Purchased: purchased.Int64,
		Paid:      purchases > 0,
	}, nil
}

// ListRecent returns the newest entries first.
func (e *Engine) ListRecent(ctx context.Context, userID int64, limit int) ([]ledger.Entry, error) {
	if userID == 0 {
		return nil, errors.New("user id required")
	}
	if limit <= 0 {
		limit = 50
	}
	return e.queryEntries(ctx, e.q(`
SELECT id, user_id, delta, reason, correlation_id, created_at
FROM ledger_entries
WHERE user_id = ?
ORDER BY id DESC
LIMIT ?`), userID, limit)
}

// Entries returns every entry for a correlation id in insertion order.
func (e *Engine) Entries(ctx context.Context, correlationID string) ([]ledger.Entry, error) {
	return e.queryEntries(ctx, e.q(`
SELECT id, user_id, delta, reason, correlation_id, created_at
FROM ledger_entries
WHERE correlation_id = ?
ORDER BY id`), correlationID)
}

// OpenDebits lists unresolved debits older than before.
func (e *Engine) OpenDebits(ctx context.Context, before time.Time) ([]ledger.Entry, error) {
	return e.queryEntries(ctx, e.q(`
SELECT d.id, d.user_id, d.delta, d.reason, d.correlation_id, d.created_at
FROM ledger_entries d
WHERE d.reason = 'debit_generation' AND d.created_at < ?
AND NOT EXISTS (
	SELECT 1 FROM ledger_entries r
	WHERE r.correlation_id = d.correlation_id
	AND r.reason IN ('refund_generation', 'commit_generation')
)
ORDER BY d.id`), before.UTC())
}

type correlationState struct {
	debit     *ledger.Entry
	refunded  bool
	committed bool
}

func (e *Engine) correlationState(ctx context.Context, tx *sql.Tx, correlationID string) (correlationState, error) {
	rows, err := tx.QueryContext(ctx, e.q(`
SELECT id, user_id, delta, reason, correlation_id, created_at
FROM ledger_entries
WHERE correlation_id = ?`), correlationID)
	if err != nil {
		return correlationState{}, fmt.Errorf("load correlation: %w", err)
	}
	defer rows.Close()
	var st correlationState
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return correlationState{}, err
		}
		switch entry.Reason {
		case ledger.ReasonDebitGeneration:
			st.debit = &entry
		case ledger.ReasonRefundGeneration:
			st.refunded = true
		case ledger.ReasonCommitGeneration:
			st.committed = true
		}
	}
	return st, rows.Err()
}

func (e *Engine) lockBalance(ctx context.Context, tx *sql.Tx, userID int64) error {
	var balance int64
	err := tx.QueryRowContext(ctx, e.q(`SELECT balance FROM token_balances WHERE user_id = ?`+e.dialect.LockSuffix), userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrNoReservation
	}
	if err != nil {
		return fmt.Errorf("lock balance: %w", err)
	}
	return nil
}

func (e *Engine) insertEntry(ctx context.Context, tx *sql.Tx, userID, delta int64, reason ledger.Reason, correlationID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, e.q(`
INSERT INTO ledger_entries(user_id, delta, reason, correlation_id, created_at)
VALUES(?, ?, ?, ?, ?)`), userID, delta, string(reason), correlationID, at)
	if err != nil {
		return fmt.Errorf("insert %s entry: %w", reason, err)
	}
	return nil
}

func (e *Engine) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []ledger.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (ledger.Entry, error) {
	var e ledger.Entry
	var reason string
	if err := s.Scan(&e.ID, &e.UserID, &e.Delta, &reason, &e.CorrelationID, &e.CreatedAt); err != nil {
		return ledger.Entry{}, err
	}
	e.Reason = ledger.Reason(reason)
	return e, nil
}
