// Package ledgertest is a behavioural suite every ledger.Store backend runs
// against its own storage.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-canvas/internal/ledger"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) ledger.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"ReserveDebitsAndRecords", testReserveDebitsAndRecords},
		{"ReserveInsufficientWritesNothing", testReserveInsufficient},
		{"ReserveDuplicateCorrelation", testReserveDuplicate},
		{"ConcurrentReservationsNeverOverdraw", testConcurrentReserve},
		{"ReleaseIsIdempotent", testReleaseIdempotent},
		{"ReleaseValidation", testReleaseValidation},
		{"CommitAndRefundAreExclusive", testCommitRefundExclusive},
		{"CreditIsIdempotent", testCreditIdempotent},
		{"SummaryAndPaidStatus", testSummary},
		{"ListRecentNewestFirst", testListRecent},
		{"OpenDebitsExcludesResolved", testOpenDebits},
		{"BalanceEqualsSumOfDeltas", testConservation},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func fund(t *testing.T, s ledger.Store, userID, amount int64) {
	t.Helper()
	_, err := s.Credit(context.Background(), userID, amount, "seed-"+time.Now().Format(time.RFC3339Nano))
	require.NoError(t, err)
}

func testReserveDebitsAndRecords(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, 7, 50)

	balance, err := s.Reserve(ctx, 7, 20, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	entries, err := s.Entries(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.ReasonDebitGeneration, entries[0].Reason)
	assert.Equal(t, int64(-20), entries[0].Delta)
	assert.Equal(t, int64(7), entries[0].UserID)
}

func testReserveInsufficient(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Reserve(ctx, 8, 5, "no-row")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	fund(t, s, 8, 4)
	_, err = s.Reserve(ctx, 8, 5, "too-much")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	balance, err := s.Balance(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
	entries, err := s.Entries(ctx, "too-much")
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = s.Reserve(ctx, 8, 0, "zero")
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func testReserveDuplicate(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, 9, 100)
	_, err := s.Reserve(ctx, 9, 10, "dup")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, 9, 10, "dup")
	require.ErrorIs(t, err, ledger.ErrDuplicateReservation)

	balance, err := s.Balance(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func testConcurrentReserve(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, 10, 10)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.Reserve(ctx, 10, 10, "race-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, rejected)

	balance, err := s.Balance(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func testReleaseIdempotent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, 11, 30)
	_, err := s.Reserve(ctx, 11, 12, "job-r")
	require.NoError(t, err)

	refunded, err := s.Release(ctx, 11, 12, "job-r")
	require.NoError(t, err)
	assert.True(t, refunded)
	refunded, err = s.Release(ctx, 11, 12, "job-r")
	require.NoError(t, err)
	assert.False(t, refunded)

	balance, err := s.Balance(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	entries, err := s.Entries(ctx, "job-r")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.ReasonRefundGeneration, entries[1].Reason)
	assert.Equal(t, int64(12), entries[1].Delta)
}

func testReleaseValidation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, 12, 30)
	_, err := s.Release(ctx, 12, 5, "never-reserved")
	require.ErrorIs(t, err, ledger.ErrNoReservation)

	_, err = s.Reserve(ctx, 12, 5, "job-v")
	require.NoError(t, err)
	_, err = s.Release(ctx, 12, 6, "job-v")
	require.ErrorIs(t, err, ledger.ErrAmountMismatch)
	_, err = s.Release(ctx, 13, 5, "job-v")
	require.Error(t, err)

	balance, err := s.Balance(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(25), balance)
}

func testCommitRefundExclusive(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, 14, 40)

	_, err := s.Reserve(ctx, 14, 10, "job-c")
	require.NoError(t, err)
	committed, err := s.Commit(ctx, 14, "job-c")
	require.NoError(t, err)
	assert.True(t, committed)
	committed, err = s.Commit(ctx, 14, "job-c")
	require.NoError(t, err)
	assert.False(t, committed)
	_, err = s.Release(ctx, 14, 10, "job-c")
	require.ErrorIs(t, err, ledger.ErrAlreadyCommitted)

	_, err = s.Reserve(ctx, 14, 10, "job-f")
	require.NoError(t, err)
	_, err = s.Release(ctx, 14, 10, "job-f")
	require.NoError(t, err)
	_, err = s.Commit(ctx, 14, "job-f")
	require.ErrorIs(t, err, ledger.ErrAlreadyRefunded)

	_, err = s.Commit(ctx, 14, "job-missing")
	require.ErrorIs(t, err, ledger.ErrNoReservation)

	balance, err := s.Balance(ctx, 14)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func testCreditIdempotent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	balance, err := s.Credit(ctx, 15, 100, "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	balance, err = s.Credit(ctx, 15, 100, "purchase-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	balance, err = s.Credit(ctx, 15, 25, "purchase-2")
	require.NoError(t, err)
	assert.Equal(t, int64(125), balance)
}

func testSummary(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	summary, err := s.Summary(ctx, 16)
	require.NoError(t, err)
	assert.False(t, summary.Paid)
	assert.Equal(t, int64(0), summary.Balance)

	_, err = s.Credit(ctx, 16, 50, "purchase-s")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, 16, 20, "job-s1")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, 16, 5, "job-s2")
	require.NoError(t, err)
	_, err = s.Release(ctx, 16, 5, "job-s2")
	require.NoError(t, err)

	summary, err = s.Summary(ctx, 16)
	require.NoError(t, err)
	assert.Equal(t, ledger.Summary{Balance: 30, Debited: 25, Refunded: 5, Purchased: 50, Paid: true}, summary)
}

func testListRecent(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Credit(ctx, 17, 100, "purchase-l")
	require.NoError(t, err)
	for _, id := range []string{"l1", "l2", "l3"} {
		_, err := s.Reserve(ctx, 17, 1, id)
		require.NoError(t, err)
	}
	entries, err := s.ListRecent(ctx, 17, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "l3", entries[0].CorrelationID)
	assert.Equal(t, "l2", entries[1].CorrelationID)

	other, err := s.ListRecent(ctx, 18, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testOpenDebits(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	fund(t, s, 19, 100)
	for _, id := range []string{"open", "refunded", "committed"} {
		_, err := s.Reserve(ctx, 19, 10, id)
		require.NoError(t, err)
	}
	_, err := s.Release(ctx, 19, 10, "refunded")
	require.NoError(t, err)
	_, err = s.Commit(ctx, 19, "committed")
	require.NoError(t, err)

	open, err := s.OpenDebits(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].CorrelationID)
	assert.Equal(t, int64(-10), open[0].Delta)

	none, err := s.OpenDebits(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConservation(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Credit(ctx, 20, 60, "purchase-c")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, 20, 25, "c1")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, 20, 25, "c2")
	require.NoError(t, err)
	_, err = s.Reserve(ctx, 20, 25, "c3")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	_, err = s.Release(ctx, 20, 25, "c1")
	require.NoError(t, err)
	_, err = s.Commit(ctx, 20, "c2")
	require.NoError(t, err)

	entries, err := s.ListRecent(ctx, 20, 100)
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	balance, err := s.Balance(ctx, 20)
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
	assert.Equal(t, int64(35), balance)
}
