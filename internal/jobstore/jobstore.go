// Package jobstore persists Generation Jobs and guards their lifecycle.
//
// Jobs only move forward:
//
//	reserved -> submitted -> polling -> succeeded
//	reserved | submitted | polling -> failed -> refunded
//
// Every transition is a compare-and-set on the current status, so two
// workers racing on the same job cannot both win.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusSubmitted Status = "submitted"
	StatusPolling   Status = "polling"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// FailureReason explains why a job failed.
type FailureReason string

const (
	ReasonSubmissionFailed  FailureReason = "submission_failed"
	ReasonProviderFailed    FailureReason = "provider_failed"
	ReasonEmptyResult       FailureReason = "empty_result"
	ReasonMalformedResponse FailureReason = "malformed_response"
	ReasonTimeout           FailureReason = "timeout"
)

var (
	ErrNotFound = errors.New("jobstore: job not found")
	// ErrDuplicate means the job id, or the user's idempotency key, exists.
	ErrDuplicate = errors.New("jobstore: job already exists")
	// ErrStaleTransition means the job was no longer in the expected status.
	ErrStaleTransition = errors.New("jobstore: job status changed concurrently")
	// ErrInvalidTransition means the lifecycle does not allow the move.
	ErrInvalidTransition = errors.New("jobstore: invalid status transition")
)

var transitions = map[Status][]Status{
	StatusReserved:  {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusPolling, StatusFailed},
	StatusPolling:   {StatusSucceeded, StatusFailed},
	StatusFailed:    {StatusRefunded},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one generation request and its external task.
type Job struct {
	ID             string        `json:"job_id"`
	UserID         int64         `json:"user_id"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	ExternalTaskID string        `json:"external_task_id,omitempty"`
	Cost           int64         `json:"cost"`
	Count          int           `json:"count"`
	Model          string        `json:"model"`
	Prompt         string        `json:"prompt"`
	Status         Status        `json:"status"`
	Reason         FailureReason `json:"failure_reason,omitempty"`
	Detail         string        `json:"failure_detail,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	SubmittedAt    time.Time     `json:"submitted_at,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ResolvedAt     time.Time     `json:"resolved_at,omitempty"`
}

// Terminal reports whether the job needs no further work.
func (j Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusRefunded
}

// RefundPending reports a failed job whose refund has not landed yet.
func (j Job) RefundPending() bool { return j.Status == StatusFailed }

// Update describes a transition. Empty fields leave the stored value as is.
type Update struct {
	To             Status
	ExternalTaskID string
	Reason         FailureReason
	Detail         string
}

// Apply returns j after the update at now, or ErrInvalidTransition.
func (j Job) Apply(u Update, now time.Time) (Job, error) {
	if !CanTransition(j.Status, u.To) {
		return j, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, u.To)
	}
	j.Status = u.To
	if u.ExternalTaskID != "" {
		j.ExternalTaskID = u.ExternalTaskID
	}
	if u.Reason != "" {
		j.Reason = u.Reason
	}
	if u.Detail != "" {
		j.Detail = u.Detail
	}
	switch u.To {
	case StatusSubmitted:
		j.SubmittedAt = now
	case StatusSucceeded, StatusRefunded:
		j.ResolvedAt = now
	}
	j.UpdatedAt = now
	return j, nil
}

// Store persists jobs.
type Store interface {
	Create(ctx context.Context, job Job) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	FindByIdempotencyKey(ctx context.Context, userID int64, key string) (Job, error)
	// Transition moves the job from `from` to u.To only if it is still in
	// `from`, returning the stored job.
	Transition(ctx context.Context, id string, from Status, u Update) (Job, error)
	// ListUnresolved returns jobs that are not succeeded or refunded.
	ListUnresolved(ctx context.Context) ([]Job, error)
	Close() error
}
