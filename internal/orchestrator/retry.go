package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/tokligence/tokligence-canvas/internal/clock"
	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
)

type retryPolicy struct {
	what      string
	job       jobstore.Job
	limit     int // 0 retries until ctx ends
	permanent func(error) bool
	onRetry   func()
	onStuck   func(error)
}

// retrier runs storage and ledger writes with capped exponential backoff.
type retrier struct {
	cfg    Config
	clock  clock.Clock
	logger *log.Logger
}

func (r retrier) retry(ctx context.Context, p retryPolicy, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if p.permanent != nil && p.permanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.limit > 0 && attempt >= p.limit {
			return err
		}
		if p.onRetry != nil {
			p.onRetry()
		}
		if attempt == r.cfg.RefundAlertAttempts {
			r.logger.Printf("CRITICAL job %s: %s failed %d times, still retrying: %v", p.job.ID, p.what, attempt, err)
			if p.onStuck != nil {
				p.onStuck(err)
			}
		}
		wait := r.cfg.backoff(attempt)
		r.logger.Printf("job %s: %s attempt %d failed (retry in %s): %v", p.job.ID, p.what, attempt, wait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// load reads a job, retrying transient store errors.
func (r retrier) load(ctx context.Context, jobs jobstore.Store, jobID string, limit int) (jobstore.Job, error) {
	var job jobstore.Job
	policy := retryPolicy{what: "load", job: jobstore.Job{ID: jobID}, limit: limit, permanent: permanentJobErr}
	err := r.retry(ctx, policy, func() error {
		var err error
		job, err = jobs.Get(ctx, jobID)
		return err
	})
	return job, err
}

// transition applies u from the job's current status, retrying transient
// store errors. A lost race is resolved by re-reading: if another worker
// already moved the job to the target (or past it) that result is returned.
// limit caps the attempts as in retryPolicy.
func (r retrier) transition(ctx context.Context, jobs jobstore.Store, job jobstore.Job, u jobstore.Update, limit int) (jobstore.Job, error) {
	var result jobstore.Job
	races := 0
	policy := retryPolicy{what: "move to " + string(u.To), job: job, limit: limit}
	policy.permanent = func(err error) bool { return permanentJobErr(err) || races >= 3 }
	err := r.retry(ctx, policy, func() error {
		next, err := jobs.Transition(ctx, job.ID, job.Status, u)
		if err == nil {
			result = next
			return nil
		}
		if !errors.Is(err, jobstore.ErrStaleTransition) {
			return err
		}
		if next.Status == u.To || next.Terminal() {
			result = next
			return nil
		}
		races++
		job = next
		return fmt.Errorf("job %s: %w", job.ID, err)
	})
	if err != nil {
		return job, err
	}
	return result, nil
}

func permanentJobErr(err error) bool {
	return errors.Is(err, jobstore.ErrInvalidTransition) ||
		errors.Is(err, jobstore.ErrNotFound)
}

func permanentLedgerErr(err error) bool {
	return errors.Is(err, ledger.ErrNoReservation) ||
		errors.Is(err, ledger.ErrAmountMismatch) ||
		errors.Is(err, ledger.ErrAlreadyCommitted) ||
		errors.Is(err, ledger.ErrAlreadyRefunded) ||
		errors.Is(err, ledger.ErrInvalidAmount)
}
