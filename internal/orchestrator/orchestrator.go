// Package orchestrator drives a generation from token reservation to a
// resolved job: reserve, submit, poll in the background and reconcile the
// outcome so every reservation ends either committed or refunded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tokligence/tokligence-canvas/internal/clock"
	"github.com/tokligence/tokligence-canvas/internal/hooks"
	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
	"github.com/tokligence/tokligence-canvas/internal/pricing"
	"github.com/tokligence/tokligence-canvas/internal/provider"
	"github.com/tokligence/tokligence-canvas/internal/resultstore"
)

var (
	ErrInvalidRequest = errors.New("orchestrator: invalid request")
	// ErrIdempotencyConflict means another request with the same
	// Idempotency-Key holds the reservation but has not created the job yet.
	ErrIdempotencyConflict = errors.New("orchestrator: request with this idempotency key is in progress")
	// ErrSubmissionFailed means the provider rejected the job; the returned
	// job shows whether the refund already landed.
	ErrSubmissionFailed = errors.New("orchestrator: provider submission failed")
	ErrPollTimeout      = errors.New("orchestrator: poll deadline exceeded")
	// ErrRefundRetryExhausted marks a refund that failed for the whole alert
	// budget. It is reported, and retrying continues.
	ErrRefundRetryExhausted = errors.New("orchestrator: refund retry budget exhausted")
	ErrNotFound             = errors.New("orchestrator: job not found")
	ErrClosed               = errors.New("orchestrator: shutting down")
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Ledger   ledger.Store
	Jobs     jobstore.Store
	Results  resultstore.Store
	Provider provider.Client
	Pricing  *pricing.Calculator
	Clock    clock.Clock
	Metrics  *metrics.Collector
	Hooks    *hooks.Dispatcher
	Logger   *log.Logger
}

// Request is a validated-at-the-edge generation request.
type Request struct {
	UserID         int64
	Prompt         string
	Model          string
	Count          int
	IdempotencyKey string
}

// Result is what Generate hands back to the caller.
type Result struct {
	Job jobstore.Job
	// Replayed is true when an Idempotency-Key matched an earlier job.
	Replayed bool
}

// Status is the client view of a job.
type Status struct {
	Job       jobstore.Job
	Artifacts []resultstore.Artifact
}

// Orchestrator owns the background worker pool.
type Orchestrator struct {
	deps       Deps
	cfg        Config
	submitter  *Submitter
	poller     *Poller
	reconciler *Reconciler
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New wires the pipeline. Background work runs on a context owned by the
// Orchestrator, never on a request's.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Ledger == nil || deps.Jobs == nil || deps.Results == nil || deps.Provider == nil || deps.Pricing == nil {
		return nil, errors.New("orchestrator: ledger, jobs, results, provider and pricing are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:       deps,
		cfg:        cfg,
		submitter:  NewSubmitter(deps.Jobs, deps.Provider, deps.Metrics, deps.Logger),
		poller:     NewPoller(deps.Jobs, deps.Provider, deps.Clock, cfg, deps.Metrics, deps.Logger),
		reconciler: NewReconciler(deps.Jobs, deps.Results, deps.Ledger, deps.Clock, cfg, deps.Metrics, deps.Hooks, deps.Logger),
		logger:     componentLogger(deps.Logger, "[orchestrator] "),
		ctx:        ctx,
		cancel:     cancel,
		sem:        semaphore.NewWeighted(cfg.Workers),
	}, nil
}

// Quote returns the token cost of a request.
func (o *Orchestrator) Quote(model string, count int) int64 {
	return o.deps.Pricing.Cost(model, count)
}

// Generate reserves tokens, records the job and submits it synchronously.
// On success the job is polled in the background. A submission failure
// returns the failed (or already refunded) job together with an error
// wrapping ErrSubmissionFailed.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Result, error) {
	if o.isClosed() {
		return Result{}, ErrClosed
	}
	if err := o.validate(&req); err != nil {
		return Result{}, err
	}

	jobID := uuid.NewString()
	if req.IdempotencyKey != "" {
		jobID = uuid.NewSHA1(o.cfg.IdempotencyNamespace, []byte(fmt.Sprintf("%d|%s", req.UserID, req.IdempotencyKey))).String()
		if existing, err := o.deps.Jobs.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
			return Result{Job: existing, Replayed: true}, nil
		} else if !errors.Is(err, jobstore.ErrNotFound) {
			return Result{}, err
		}
	}

	cost := o.deps.Pricing.Cost(req.Model, req.Count)
	if _, err := o.deps.Ledger.Reserve(ctx, req.UserID, cost, jobID); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			o.deps.Metrics.RecordInsufficientBalance()
			return Result{}, err
		case errors.Is(err, ledger.ErrDuplicateReservation):
			if existing, gerr := o.deps.Jobs.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); gerr == nil {
				return Result{Job: existing, Replayed: true}, nil
			}
			return Result{}, ErrIdempotencyConflict
		default:
			return Result{}, fmt.Errorf("reserve tokens: %w", err)
		}
	}
	o.deps.Metrics.RecordReservation(cost)

	job, err := o.deps.Jobs.Create(context.WithoutCancel(ctx), jobstore.Job{
		ID:             jobID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Cost:           cost,
		Count:          req.Count,
		Model:          req.Model,
		Prompt:         req.Prompt,
		Status:         jobstore.StatusReserved,
		CreatedAt:      o.deps.Clock.Now(),
	})
	if err != nil {
		o.logger.Printf("job %s: create failed, releasing %d tokens: %v", jobID, cost, err)
		if _, rerr := o.deps.Ledger.Release(context.WithoutCancel(ctx), req.UserID, cost, jobID); rerr != nil {
			o.logger.Printf("job %s: release after failed create: %v (orphan sweep will retry)", jobID, rerr)
		}
		return Result{}, fmt.Errorf("record job: %w", err)
	}
	o.logger.Printf("job %s: reserved %d tokens for user %d (%s x%d)", job.ID, cost, job.UserID, job.Model, job.Count)

	subCtx, cancel := context.WithTimeout(o.ctx, o.cfg.SubmitTimeout)
	submitted, subErr := o.submitter.Submit(subCtx, job)
	cancel()
	if subErr == nil {
		o.track(submitted)
		return Result{Job: submitted}, nil
	}

	if submitted.Status == jobstore.StatusFailed {
		o.deps.Metrics.RecordOutcome(string(jobstore.ReasonSubmissionFailed))
	}
	out := failure(jobstore.ReasonSubmissionFailed, subErr.Error())
	resolved, rerr := o.reconciler.Refund(context.WithoutCancel(ctx), job.ID, out, 1)
	if rerr != nil {
		o.logger.Printf("job %s: immediate refund failed, retrying in background: %v", job.ID, rerr)
		o.spawn(job.ID, func(ctx context.Context) {
			if _, err := o.reconciler.Refund(ctx, job.ID, out, 0); err != nil {
				o.logger.Printf("job %s: background refund stopped: %v", job.ID, err)
			}
		})
		if latest, gerr := o.deps.Jobs.Get(context.WithoutCancel(ctx), job.ID); gerr == nil {
			resolved = latest
		} else {
			resolved = submitted
		}
	}
	return Result{Job: resolved}, fmt.Errorf("%w: %v", ErrSubmissionFailed, subErr)
}

// Status returns the job and its artifacts if it belongs to userID.
func (o *Orchestrator) Status(ctx context.Context, userID int64, jobID string) (Status, error) {
	job, err := o.deps.Jobs.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return Status{}, ErrNotFound
	}
	if err != nil {
		return Status{}, err
	}
	if job.UserID != userID {
		return Status{}, ErrNotFound
	}
	st := Status{Job: job}
	if job.Status == jobstore.StatusSucceeded {
		arts, err := o.deps.Results.ListByJob(ctx, job.ID)
		if err != nil {
			return Status{}, err
		}
		st.Artifacts = arts
	}
	return st, nil
}

// Close stops accepting work, cancels background jobs and waits for the
// workers to return. Interrupted jobs are picked up by Recover on the next
// start.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every background job has returned. Used by tests and
// by tooling that drains the pool without cancelling it.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) validate(req *Request) error {
	if req.UserID == 0 {
		return fmt.Errorf("%w: user required", ErrInvalidRequest)
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	req.Model = strings.TrimSpace(req.Model)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt required", ErrInvalidRequest)
	}
	if utf8.RuneCountInString(req.Prompt) > o.cfg.MaxPromptLength {
		return fmt.Errorf("%w: prompt longer than %d characters", ErrInvalidRequest, o.cfg.MaxPromptLength)
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 1 || req.Count > o.cfg.MaxImages {
		return fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, o.cfg.MaxImages)
	}
	if len(req.IdempotencyKey) > 255 {
		return fmt.Errorf("%w: idempotency key too long", ErrInvalidRequest)
	}
	return nil
}

// track polls a submitted job in the background and reconciles the outcome.
func (o *Orchestrator) track(job jobstore.Job) {
	o.spawn(job.ID, func(ctx context.Context) {
		out, err := o.poller.Run(ctx, job)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			o.logger.Printf("job %s: polling interrupted, left for recovery", job.ID)
			return
		case errors.Is(err, errAlreadyResolved):
			o.logger.Printf("job %s: %v", job.ID, err)
			return
		default:
			// The job cannot be polled (no task id, or a status the poller
			// does not own); settle it as failed so the tokens come back.
			o.logger.Printf("job %s: polling aborted, refunding: %v", job.ID, err)
			out = failure(jobstore.ReasonProviderFailed, err.Error())
		}
		if _, err := o.reconciler.Reconcile(ctx, job.ID, out); err != nil {
			o.logger.Printf("job %s: reconcile stopped: %v", job.ID, err)
		}
	})
}

// spawn runs fn on the worker pool. The goroutine waits for a slot, so
// callers never block; once closed, work is dropped and left to recovery.
func (o *Orchestrator) spawn(jobID string, fn func(ctx context.Context)) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logger.Printf("job %s: not scheduled, shutting down", jobID)
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.ctx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)
		o.deps.Metrics.JobStarted()
		defer o.deps.Metrics.JobFinished()
		fn(o.ctx)
	}()
}
