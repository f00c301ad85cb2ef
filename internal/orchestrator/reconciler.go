package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-canvas/internal/clock"
	"github.com/tokligence/tokligence-canvas/internal/hooks"
	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
	"github.com/tokligence/tokligence-canvas/internal/resultstore"
)

// Reconciler is the single interpreter of terminal outcomes. Success persists
// artifacts and commits the reservation; failure marks the job failed and
// releases the reservation. Every step is idempotent, so re-running it on a
// job in any state is safe.
type Reconciler struct {
	retrier
	jobs    jobstore.Store
	results resultstore.Store
	ledger  ledger.Store
	metrics *metrics.Collector
	hooks   *hooks.Dispatcher
}

// NewReconciler builds a Reconciler.
func NewReconciler(jobs jobstore.Store, results resultstore.Store, l ledger.Store, c clock.Clock, cfg Config,
	m *metrics.Collector, h *hooks.Dispatcher, logger *log.Logger) *Reconciler {
	cfg = cfg.withDefaults()
	logger = componentLogger(logger, "[reconciler] ")
	return &Reconciler{
		retrier: retrier{cfg: cfg, clock: c, logger: logger},
		jobs:    jobs,
		results: results,
		ledger:  l,
		metrics: m,
		hooks:   h,
	}
}

// Reconcile applies out to the job. It retries storage and ledger failures
// with backoff until they succeed or ctx ends.
func (r *Reconciler) Reconcile(ctx context.Context, jobID string, out Outcome) (jobstore.Job, error) {
	job, err := r.load(ctx, r.jobs, jobID, 0)
	if err != nil {
		return job, err
	}
	if job.Terminal() {
		return job, nil
	}
	if out.Succeeded {
		return r.succeed(ctx, job, out.URLs)
	}
	return r.fail(ctx, job, out, 0)
}

// Refund releases a job that is already failed, or fails it first when it
// is still reserved (used by recovery). maxAttempts of 0 retries until ctx
// ends.
func (r *Reconciler) Refund(ctx context.Context, jobID string, out Outcome, maxAttempts int) (jobstore.Job, error) {
	job, err := r.load(ctx, r.jobs, jobID, maxAttempts)
	if err != nil {
		return job, err
	}
	if job.Terminal() {
		return job, nil
	}
	return r.fail(ctx, job, out, maxAttempts)
}

func (r *Reconciler) succeed(ctx context.Context, job jobstore.Job, urls []string) (jobstore.Job, error) {
	if job.Status != jobstore.StatusPolling {
		return job, fmt.Errorf("reconcile success for job %s: %w: status %s", job.ID, jobstore.ErrInvalidTransition, job.Status)
	}
	for _, url := range urls {
		art := resultstore.Artifact{UserID: job.UserID, JobID: job.ID, URL: url, Prompt: job.Prompt}
		err := r.retry(ctx, retryPolicy{what: "persist artifact", job: job}, func() error {
			stored, created, err := r.results.Persist(ctx, art)
			if err != nil {
				return err
			}
			r.metrics.RecordArtifact(!created)
			if !created && stored.JobID != job.ID {
				r.logger.Printf("job %s: artifact %s already recorded under job %s", job.ID, url, stored.JobID)
			}
			return nil
		})
		if err != nil {
			return job, err
		}
	}

	var committed bool
	err := r.retry(ctx, retryPolicy{what: "commit", job: job, permanent: permanentLedgerErr}, func() error {
		var err error
		committed, err = r.ledger.Commit(ctx, job.UserID, job.ID)
		return err
	})
	if err != nil {
		r.logger.Printf("CRITICAL job %s: cannot commit reservation: %v", job.ID, err)
		return job, err
	}

	done, err := r.transition(ctx, r.jobs, job, jobstore.Update{To: jobstore.StatusSucceeded}, 0)
	if err != nil {
		return job, err
	}
	if committed {
		r.metrics.RecordOutcome("succeeded")
		r.metrics.RecordCommit(job.Cost)
		r.emit(ctx, hooks.EventJobSucceeded, done, map[string]any{"artifacts": len(urls), "tokens": job.Cost})
	}
	r.logger.Printf("job %s: succeeded, %d artifacts, %d tokens consumed", job.ID, len(urls), job.Cost)
	return done, nil
}

func (r *Reconciler) fail(ctx context.Context, job jobstore.Job, out Outcome, maxAttempts int) (jobstore.Job, error) {
	if job.Status != jobstore.StatusFailed {
		reason := out.Reason
		if reason == "" {
			reason = jobstore.ReasonProviderFailed
		}
		failed, err := r.transition(ctx, r.jobs, job, jobstore.Update{To: jobstore.StatusFailed, Reason: reason, Detail: out.Detail}, maxAttempts)
		if err != nil {
			return job, err
		}
		if failed.Terminal() {
			return failed, nil
		}
		job = failed
		r.metrics.RecordOutcome(string(job.Reason))
		r.logger.Printf("job %s: failed (%s): %s", job.ID, job.Reason, job.Detail)
	}

	var refunded bool
	policy := retryPolicy{
		what:      "refund",
		job:       job,
		limit:     maxAttempts,
		permanent: permanentLedgerErr,
		onRetry:   r.metrics.RecordRefundRetry,
		onStuck: func(err error) {
			r.metrics.RecordRefundStuck()
			r.emit(ctx, hooks.EventRefundStuck, job, map[string]any{
				"tokens": job.Cost,
				"error":  fmt.Errorf("%w: %v", ErrRefundRetryExhausted, err).Error(),
			})
		},
	}
	err := r.retry(ctx, policy, func() error {
		var err error
		refunded, err = r.ledger.Release(ctx, job.UserID, job.Cost, job.ID)
		return err
	})
	if err != nil {
		if permanentLedgerErr(err) {
			r.logger.Printf("CRITICAL job %s: refund refused by ledger: %v", job.ID, err)
		}
		return job, err
	}

	done, err := r.transition(ctx, r.jobs, job, jobstore.Update{To: jobstore.StatusRefunded}, maxAttempts)
	if err != nil {
		return job, err
	}
	if refunded {
		r.metrics.RecordRefund(job.Cost)
		r.emit(ctx, hooks.EventJobRefunded, done, map[string]any{"tokens": job.Cost, "reason": string(job.Reason)})
	}
	r.logger.Printf("job %s: refunded %d tokens (%s)", job.ID, job.Cost, job.Reason)
	return done, nil
}

func (r *Reconciler) emit(ctx context.Context, t hooks.EventType, job jobstore.Job, meta map[string]any) {
	err := r.hooks.Emit(context.WithoutCancel(ctx), hooks.Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: r.clock.Now(),
		UserID:     job.UserID,
		JobID:      job.ID,
		Metadata:   meta,
	})
	if err != nil {
		r.logger.Printf("job %s: hook %s: %v", job.ID, t, err)
	}
}
