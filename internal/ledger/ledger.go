package ledger

import (
	"context"
	"errors"
	"time"
)

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonDebitGeneration  Reason = "debit_generation"
	ReasonRefundGeneration Reason = "refund_generation"
	// ReasonCommitGeneration is the zero-delta marker written when a reserved
	// generation is consumed by a persisted result.
	ReasonCommitGeneration Reason = "commit_generation"
	ReasonCreditPurchase   Reason = "credit_purchase"
)

// Valid reports whether r is one of the known reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonDebitGeneration, ReasonRefundGeneration, ReasonCommitGeneration, ReasonCreditPurchase:
		return true
	}
	return false
}

var (
	// ErrInsufficientBalance means the conditional debit matched no row. No
	// entry was written.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrDuplicateReservation means a debit already exists for the correlation id.
	ErrDuplicateReservation = errors.New("ledger: correlation id already reserved")
	// ErrNoReservation means a release or commit named a correlation id that
	// was never debited.
	ErrNoReservation = errors.New("ledger: no reservation for correlation id")
	// ErrAmountMismatch means a release amount differs from the original debit.
	ErrAmountMismatch = errors.New("ledger: release amount does not match reservation")
	// ErrAlreadyCommitted means a refund was requested for a consumed reservation.
	ErrAlreadyCommitted = errors.New("ledger: reservation already committed")
	// ErrAlreadyRefunded means a commit was requested for a refunded reservation.
	ErrAlreadyRefunded = errors.New("ledger: reservation already refunded")
	// ErrInvalidAmount rejects non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Entry is one append-only audit record.
type Entry struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Delta         int64     `json:"delta"`
	Reason        Reason    `json:"reason"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Summary aggregates a user's ledger activity.
type Summary struct {
	Balance   int64 `json:"balance"`
	Debited   int64 `json:"debited"`
	Refunded  int64 `json:"refunded"`
	Purchased int64 `json:"purchased"`
	// Paid is true once any purchase credit has been recorded. The ledger is
	// the single authoritative source for paid status.
	Paid bool `json:"paid"`
}

// Store is the token ledger. Implementations must make Reserve a single
// atomic conditional decrement and make Release, Commit and Credit idempotent
// per correlation id.
type Store interface {
	// Reserve debits amount if and only if the balance covers it and records
	// one debit_generation entry. Returns the new balance.
	Reserve(ctx context.Context, userID, amount int64, correlationID string) (int64, error)
	// Release refunds a reservation. refunded is false when a refund for the
	// correlation id already existed.
	Release(ctx context.Context, userID, amount int64, correlationID string) (refunded bool, err error)
	// Commit records the terminal success marker for a reservation.
	Commit(ctx context.Context, userID int64, correlationID string) (committed bool, err error)
	// Credit adds purchased tokens, idempotent on correlationID.
	Credit(ctx context.Context, userID, amount int64, correlationID string) (int64, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	Summary(ctx context.Context, userID int64) (Summary, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]Entry, error)
	Entries(ctx context.Context, correlationID string) ([]Entry, error)
	// OpenDebits lists debits created before the cutoff that have neither a
	// refund nor a commit.
	OpenDebits(ctx context.Context, before time.Time) ([]Entry, error)
	Close() error
}

// Validate checks arguments shared by every backend.
func Validate(userID, amount int64, correlationID string) error {
	if userID == 0 {
		return errors.New("ledger: user id required")
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if correlationID == "" {
		return errors.New("ledger: correlation id required")
	}
	return nil
}
