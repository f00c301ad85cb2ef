// Package provider defines the contract with the asynchronous image
// generation service: submit a task, then poll it until it settles.
package provider

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// State is the provider-side state of a task.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

var (
	// ErrMalformedResponse means a 2xx body matched none of the known shapes.
	// It is not transient: retrying the same task will not change the body.
	ErrMalformedResponse = errors.New("provider: malformed response")
	// ErrProviderFailed means the provider reported the task as failed.
	ErrProviderFailed = errors.New("provider: generation failed")
)

// SubmitRequest asks the provider to start a generation.
type SubmitRequest struct {
	JobID  string
	Prompt string
	Model  string
	Count  int
}

// PollResult is one observation of a task.
type PollResult struct {
	State  State
	URLs   []string
	Reason string
}

// Client talks to a generation provider.
type Client interface {
	Name() string
	// Submit starts a task and returns the provider's task id. Any error
	// means no task id is known and the job cannot be polled.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Poll reads the task state. Errors other than ErrMalformedResponse are
	// transient and the caller may poll again.
	Poll(ctx context.Context, taskID string) (PollResult, error)
}

// SubmissionError wraps every failure of Submit.
type SubmissionError struct {
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider submit failed: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider submit failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider status %d", e.StatusCode)
}

// IsTransient reports whether a Poll error is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// WithRateLimit throttles Submit through limiter. Poll is not limited.
func WithRateLimit(c Client, limiter *rate.Limiter) Client {
	if limiter == nil {
		return c
	}
	return &throttled{Client: c, limiter: limiter}
}

type throttled struct {
	Client
	limiter *rate.Limiter
}

func (t *throttled) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", &SubmissionError{Err: fmt.Errorf("rate limit wait: %w", err)}
	}
	return t.Client.Submit(ctx, req)
}
