// Package jobstoretest is a behavioural suite shared by the jobstore backends.
package jobstoretest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-canvas/internal/jobstore"
)

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) jobstore.Store

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s jobstore.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateIDAndIdempotencyKey", testDuplicates},
		{"HappyPathTransitions", testHappyPath},
		{"FailureThenRefund", testFailureThenRefund},
		{"RejectsIllegalTransitions", testIllegal},
		{"ConcurrentTransitionHasOneWinner", testConcurrentTransition},
		{"ListUnresolved", testListUnresolved},
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

func newJob(userID int64) jobstore.Job {
	return jobstore.Job{
		ID:     uuid.NewString(),
		UserID: userID,
		Cost:   10,
		Count:  2,
		Model:  "flux-dev",
		Prompt: "a lighthouse at dusk",
	}
}

func testCreateAndGet(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	job := newJob(1)
	job.IdempotencyKey = "key-1"
	created, err := s.Create(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusReserved, created.Status)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, int64(1), got.UserID)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.Equal(t, int64(10), got.Cost)
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, "a lighthouse at dusk", got.Prompt)
	assert.True(t, got.SubmittedAt.IsZero())
	assert.False(t, got.CreatedAt.IsZero())

	byKey, err := s.FindByIdempotencyKey(ctx, 1, "key-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, byKey.ID)

	_, err = s.FindByIdempotencyKey(ctx, 2, "key-1")
	require.ErrorIs(t, err, jobstore.ErrNotFound)
	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, jobstore.ErrNotFound)
}

func testDuplicates(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	job := newJob(3)
	job.IdempotencyKey = "same"
	_, err := s.Create(ctx, job)
	require.NoError(t, err)

	_, err = s.Create(ctx, job)
	require.ErrorIs(t, err, jobstore.ErrDuplicate)

	other := newJob(3)
	other.IdempotencyKey = "same"
	_, err = s.Create(ctx, other)
	require.ErrorIs(t, err, jobstore.ErrDuplicate)

	// jobs without a key never collide
	_, err = s.Create(ctx, newJob(3))
	require.NoError(t, err)
	_, err = s.Create(ctx, newJob(3))
	require.NoError(t, err)
}

func testHappyPath(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	job, err := s.Create(ctx, newJob(4))
	require.NoError(t, err)

	job, err = s.Transition(ctx, job.ID, jobstore.StatusReserved, jobstore.Update{To: jobstore.StatusSubmitted, ExternalTaskID: "task-9"})
	require.NoError(t, err)
	assert.Equal(t, "task-9", job.ExternalTaskID)
	assert.False(t, job.SubmittedAt.IsZero())

	_, err = s.Transition(ctx, job.ID, jobstore.StatusSubmitted, jobstore.Update{To: jobstore.StatusPolling})
	require.NoError(t, err)
	_, err = s.Transition(ctx, job.ID, jobstore.StatusPolling, jobstore.Update{To: jobstore.StatusSucceeded})
	require.NoError(t, err)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusSucceeded, got.Status)
	assert.Equal(t, "task-9", got.ExternalTaskID)
	assert.False(t, got.ResolvedAt.IsZero())
	assert.True(t, got.Terminal())
}

func testFailureThenRefund(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	job, err := s.Create(ctx, newJob(5))
	require.NoError(t, err)

	failed, err := s.Transition(ctx, job.ID, jobstore.StatusReserved, jobstore.Update{
		To:     jobstore.StatusFailed,
		Reason: jobstore.ReasonSubmissionFailed,
		Detail: "provider returned 503",
	})
	require.NoError(t, err)
	assert.True(t, failed.RefundPending())
	assert.True(t, failed.ResolvedAt.IsZero())

	refunded, err := s.Transition(ctx, job.ID, jobstore.StatusFailed, jobstore.Update{To: jobstore.StatusRefunded})
	require.NoError(t, err)
	assert.Equal(t, jobstore.ReasonSubmissionFailed, refunded.Reason)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRefunded, got.Status)
	assert.Equal(t, jobstore.ReasonSubmissionFailed, got.Reason)
	assert.Equal(t, "provider returned 503", got.Detail)
}

func testIllegal(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	job, err := s.Create(ctx, newJob(6))
	require.NoError(t, err)

	_, err = s.Transition(ctx, job.ID, jobstore.StatusReserved, jobstore.Update{To: jobstore.StatusSucceeded})
	require.ErrorIs(t, err, jobstore.ErrInvalidTransition)

	_, err = s.Transition(ctx, job.ID, jobstore.StatusPolling, jobstore.Update{To: jobstore.StatusSucceeded})
	require.ErrorIs(t, err, jobstore.ErrStaleTransition)

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusReserved, got.Status)
}

func testConcurrentTransition(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	job, err := s.Create(ctx, newJob(7))
	require.NoError(t, err)

	const racers = 6
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Transition(ctx, job.ID, jobstore.StatusReserved, jobstore.Update{
				To:     jobstore.StatusFailed,
				Reason: jobstore.ReasonSubmissionFailed,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, jobstore.ErrStaleTransition):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func testListUnresolved(t *testing.T, s jobstore.Store) {
	ctx := context.Background()
	reserved, err := s.Create(ctx, newJob(8))
	require.NoError(t, err)
	done, err := s.Create(ctx, newJob(8))
	require.NoError(t, err)
	failed, err := s.Create(ctx, newJob(8))
	require.NoError(t, err)

	_, err = s.Transition(ctx, done.ID, jobstore.StatusReserved, jobstore.Update{To: jobstore.StatusFailed, Reason: jobstore.ReasonSubmissionFailed})
	require.NoError(t, err)
	_, err = s.Transition(ctx, done.ID, jobstore.StatusFailed, jobstore.Update{To: jobstore.StatusRefunded})
	require.NoError(t, err)
	_, err = s.Transition(ctx, failed.ID, jobstore.StatusReserved, jobstore.Update{To: jobstore.StatusFailed, Reason: jobstore.ReasonSubmissionFailed})
	require.NoError(t, err)

	jobs, err := s.ListUnresolved(ctx)
	require.NoError(t, err)
	ids := make(map[string]jobstore.Status)
	for _, j := range jobs {
		ids[j.ID] = j.Status
	}
	assert.Len(t, ids, 2)
	assert.Equal(t, jobstore.StatusReserved, ids[reserved.ID])
	assert.Equal(t, jobstore.StatusFailed, ids[failed.ID])
}
