package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/tokligence/tokligence-canvas/internal/jobstore"
)

// RecoveryReport summarises one Recover pass.
type RecoveryReport struct {
	// Resumed jobs were submitted or polling and are tracked again.
	Resumed int `json:"resumed"`
	// Refunding jobs were reserved or failed and are being released.
	Refunding int `json:"refunding"`
	// Orphans are debits with no job row that were released directly.
	Orphans int `json:"orphans"`
}

// Recover re-attaches every unresolved job after a restart and releases
// reservations whose job row was never written. Resumed and refunding jobs
// continue on the worker pool; Recover itself returns once they are
// scheduled.
//
// A job found in reserved may or may not have reached the provider. It is
// refunded: if the provider did render it, the user keeps the tokens.
func (o *Orchestrator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	jobs, err := o.deps.Jobs.ListUnresolved(ctx)
	if err != nil {
		return report, fmt.Errorf("list unresolved jobs: %w", err)
	}
	for _, job := range jobs {
		switch job.Status {
		case jobstore.StatusSubmitted, jobstore.StatusPolling:
			if job.ExternalTaskID == "" {
				o.refundLater(job, failure(jobstore.ReasonSubmissionFailed, "recovered without provider task id"))
				report.Refunding++
				continue
			}
			o.track(job)
			report.Resumed++
		case jobstore.StatusReserved:
			o.refundLater(job, failure(jobstore.ReasonSubmissionFailed, "interrupted before submission was confirmed"))
			report.Refunding++
		case jobstore.StatusFailed:
			o.refundLater(job, Outcome{Reason: job.Reason, Detail: job.Detail})
			report.Refunding++
		}
	}

	orphans, err := o.sweepOrphans(ctx)
	report.Orphans = orphans
	o.deps.Metrics.RecordRecovery(report.Resumed+report.Refunding, report.Orphans)
	o.logger.Printf("recovery: resumed=%d refunding=%d orphans=%d", report.Resumed, report.Refunding, report.Orphans)
	return report, err
}

func (o *Orchestrator) refundLater(job jobstore.Job, out Outcome) {
	o.spawn(job.ID, func(ctx context.Context) {
		if _, err := o.reconciler.Refund(ctx, job.ID, out, 0); err != nil {
			o.logger.Printf("job %s: recovery refund stopped: %v", job.ID, err)
		}
	})
}

// sweepOrphans releases open debits older than the grace period that have
// no job row. These come from a crash between Reserve and job creation.
func (o *Orchestrator) sweepOrphans(ctx context.Context) (int, error) {
	cutoff := o.deps.Clock.Now().Add(-o.cfg.OrphanGrace)
	debits, err := o.deps.Ledger.OpenDebits(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list open debits: %w", err)
	}
	released := 0
	var errs []error
	for _, d := range debits {
		_, err := o.deps.Jobs.Get(ctx, d.CorrelationID)
		if err == nil {
			continue
		}
		if !errors.Is(err, jobstore.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		refunded, err := o.deps.Ledger.Release(ctx, d.UserID, -d.Delta, d.CorrelationID)
		if err != nil {
			o.logger.Printf("CRITICAL orphan debit %s (user %d, %d tokens): release failed: %v", d.CorrelationID, d.UserID, -d.Delta, err)
			errs = append(errs, err)
			continue
		}
		if refunded {
			released++
			o.deps.Metrics.RecordRefund(-d.Delta)
			o.logger.Printf("orphan debit %s: released %d tokens to user %d", d.CorrelationID, -d.Delta, d.UserID)
		}
	}
	return released, errors.Join(errs...)
}
