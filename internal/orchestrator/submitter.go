package orchestrator

import (
	"context"
	"errors"
	"log"

	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
	"github.com/tokligence/tokligence-canvas/internal/provider"
)

// Submitter turns a reserved job into a provider task. It is the only writer
// of the reserved -> submitted|failed step.
type Submitter struct {
	jobs     jobstore.Store
	provider provider.Client
	metrics  *metrics.Collector
	logger   *log.Logger
}

// NewSubmitter builds a Submitter.
func NewSubmitter(jobs jobstore.Store, p provider.Client, m *metrics.Collector, logger *log.Logger) *Submitter {
	return &Submitter{jobs: jobs, provider: p, metrics: m, logger: componentLogger(logger, "[submitter] ")}
}

// Submit calls the provider once. On success the job is submitted with its
// external task id. On any failure the job is failed with
// submission_failed and the returned error wraps the provider error; the
// caller hands the job to the Reconciler for a refund.
func (s *Submitter) Submit(ctx context.Context, job jobstore.Job) (jobstore.Job, error) {
	if job.Status != jobstore.StatusReserved {
		return job, errors.New("submit: job is not reserved")
	}
	taskID, err := s.provider.Submit(ctx, provider.SubmitRequest{
		JobID:  job.ID,
		Prompt: job.Prompt,
		Model:  job.Model,
		Count:  job.Count,
	})
	s.metrics.RecordSubmission(err)
	if err != nil {
		s.logger.Printf("job %s: provider %s submit failed: %v", job.ID, s.provider.Name(), err)
		failed, terr := s.jobs.Transition(context.WithoutCancel(ctx), job.ID, jobstore.StatusReserved, jobstore.Update{
			To:     jobstore.StatusFailed,
			Reason: jobstore.ReasonSubmissionFailed,
			Detail: truncate(err.Error(), 500),
		})
		if terr != nil {
			return job, errors.Join(err, terr)
		}
		return failed, err
	}

	submitted, err := s.jobs.Transition(context.WithoutCancel(ctx), job.ID, jobstore.StatusReserved, jobstore.Update{
		To:             jobstore.StatusSubmitted,
		ExternalTaskID: taskID,
	})
	if err != nil {
		return job, err
	}
	s.logger.Printf("job %s: submitted as task %s", job.ID, taskID)
	return submitted, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
