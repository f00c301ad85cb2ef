package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tokligence/tokligence-canvas/internal/clock"
	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
	"github.com/tokligence/tokligence-canvas/internal/provider"
)

// Outcome is the terminal observation of a job, handed to the Reconciler.
type Outcome struct {
	Succeeded bool
	URLs      []string
	Reason    jobstore.FailureReason
	Detail    string
}

// Err maps a failed outcome onto the package's error vocabulary.
func (o Outcome) Err() error {
	if o.Succeeded {
		return nil
	}
	switch o.Reason {
	case jobstore.ReasonTimeout:
		return ErrPollTimeout
	case jobstore.ReasonProviderFailed, jobstore.ReasonEmptyResult:
		return fmt.Errorf("%w: %s", provider.ErrProviderFailed, o.Detail)
	case jobstore.ReasonMalformedResponse:
		return fmt.Errorf("%w: %s", provider.ErrMalformedResponse, o.Detail)
	default:
		return fmt.Errorf("job failed: %s: %s", o.Reason, o.Detail)
	}
}

func failure(reason jobstore.FailureReason, detail string) Outcome {
	return Outcome{Reason: reason, Detail: truncate(detail, 500)}
}

// errAlreadyResolved reports a job another worker settled before polling
// started.
var errAlreadyResolved = errors.New("job already resolved")

type pollState int

const (
	pollStart pollState = iota
	pollRequest
	pollWait
	pollDone
)

// Poller drives a submitted job to a terminal Outcome. It owns the
// submitted -> polling step and never resolves a job itself.
type Poller struct {
	retrier
	jobs     jobstore.Store
	provider provider.Client
	metrics  *metrics.Collector
}

// NewPoller builds a Poller.
func NewPoller(jobs jobstore.Store, p provider.Client, c clock.Clock, cfg Config, m *metrics.Collector, logger *log.Logger) *Poller {
	return &Poller{
		retrier:  retrier{cfg: cfg.withDefaults(), clock: c, logger: componentLogger(logger, "[poller] ")},
		jobs:     jobs,
		provider: p,
		metrics:  m,
	}
}

// Run polls until the provider settles, the deadline (submitted_at + poll
// timeout) passes or the attempt ceiling is hit. At least one poll is made
// even when the deadline is already behind us, so a job recovered after a
// long outage can still pick up a finished result. A cancelled ctx yields
// ctx.Err() and no outcome; the job stays in polling for recovery.
func (p *Poller) Run(ctx context.Context, job jobstore.Job) (Outcome, error) {
	var (
		state    = pollStart
		attempts int
		deadline time.Time
		lastErr  error
		outcome  Outcome
	)
	for state != pollDone {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		switch state {
		case pollStart:
			started, err := p.begin(ctx, job)
			if err != nil {
				return Outcome{}, err
			}
			job = started
			submittedAt := job.SubmittedAt
			if submittedAt.IsZero() {
				submittedAt = p.clock.Now()
			}
			deadline = submittedAt.Add(p.cfg.PollTimeout)
			state = pollRequest

		case pollRequest:
			attempts++
			res, err := p.provider.Poll(ctx, job.ExternalTaskID)
			p.metrics.RecordPoll(err)
			switch {
			case err != nil && ctx.Err() != nil:
				return Outcome{}, ctx.Err()
			case err != nil && !provider.IsTransient(err):
				outcome, state = failure(jobstore.ReasonMalformedResponse, err.Error()), pollDone
				continue
			case err != nil:
				lastErr = err
				p.logger.Printf("job %s: poll %d transient error: %v", job.ID, attempts, err)
			case res.State == provider.StateSucceeded && len(res.URLs) == 0:
				outcome, state = failure(jobstore.ReasonEmptyResult, "provider reported success without artifacts"), pollDone
				continue
			case res.State == provider.StateSucceeded:
				outcome, state = Outcome{Succeeded: true, URLs: res.URLs}, pollDone
				continue
			case res.State == provider.StateFailed:
				outcome, state = failure(jobstore.ReasonProviderFailed, res.Reason), pollDone
				continue
			}
			if !p.clock.Now().Before(deadline) || attempts >= p.cfg.PollMaxAttempts {
				detail := fmt.Sprintf("no terminal state after %d polls", attempts)
				if lastErr != nil {
					detail += "; last error: " + lastErr.Error()
				}
				outcome, state = failure(jobstore.ReasonTimeout, detail), pollDone
				continue
			}
			state = pollWait

		case pollWait:
			wait := p.cfg.PollInterval
			if remaining := deadline.Sub(p.clock.Now()); remaining < wait {
				wait = remaining
			}
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-p.clock.After(wait):
			}
			state = pollRequest
		}
	}
	if outcome.Succeeded {
		p.logger.Printf("job %s: succeeded after %d polls with %d artifacts", job.ID, attempts, len(outcome.URLs))
	} else {
		p.logger.Printf("job %s: failed after %d polls: %s: %s", job.ID, attempts, outcome.Reason, outcome.Detail)
	}
	return outcome, nil
}

// begin moves a submitted job to polling; a job already polling is resumed.
// Transient store errors are retried until ctx ends.
func (p *Poller) begin(ctx context.Context, job jobstore.Job) (jobstore.Job, error) {
	switch job.Status {
	case jobstore.StatusPolling:
	case jobstore.StatusSubmitted:
		next, err := p.transition(ctx, p.jobs, job, jobstore.Update{To: jobstore.StatusPolling}, 0)
		if err != nil {
			return job, fmt.Errorf("start polling job %s: %w", job.ID, err)
		}
		if next.Status != jobstore.StatusPolling {
			return next, fmt.Errorf("start polling job %s: %w: status %s", job.ID, errAlreadyResolved, next.Status)
		}
		job = next
	default:
		return job, fmt.Errorf("start polling job %s: status %s", job.ID, job.Status)
	}
	if job.ExternalTaskID == "" {
		return job, fmt.Errorf("start polling job %s: no external task id", job.ID)
	}
	return job, nil
}
