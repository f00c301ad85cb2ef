package orchestrator

import (
	"io"
	"log"
	"time"

	"github.com/google/uuid"
)

// Config tunes the pipeline. Zero values fall back to the defaults below.
type Config struct {
	PollInterval    time.Duration
	PollTimeout     time.Duration
	PollMaxAttempts int
	Workers         int64
	// RefundAlertAttempts is the number of failed refund (or persistence)
	// attempts after which the job is reported as stuck. Retrying continues.
	RefundAlertAttempts int
	RetryBaseBackoff    time.Duration
	RetryMaxBackoff     time.Duration
	MaxImages           int
	MaxPromptLength     int
	// OrphanGrace is how old an unresolved debit without a job row must be
	// before recovery refunds it.
	OrphanGrace time.Duration
	// IdempotencyNamespace seeds deterministic job ids for Idempotency-Key.
	IdempotencyNamespace uuid.UUID
	// SubmitTimeout bounds the synchronous provider submit.
	SubmitTimeout time.Duration
}

// defaultIdempotencyNamespace is used when Config leaves it unset.
var defaultIdempotencyNamespace = uuid.MustParse("6f1f3c5e-2b7a-4f43-9a43-1f0c9b7c2d11")

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Minute
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = int(c.PollTimeout/c.PollInterval) + 1
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.RefundAlertAttempts <= 0 {
		c.RefundAlertAttempts = 8
	}
	if c.RetryBaseBackoff <= 0 {
		c.RetryBaseBackoff = 500 * time.Millisecond
	}
	if c.RetryMaxBackoff <= 0 {
		c.RetryMaxBackoff = 30 * time.Second
	}
	if c.RetryMaxBackoff < c.RetryBaseBackoff {
		c.RetryMaxBackoff = c.RetryBaseBackoff
	}
	if c.MaxImages <= 0 {
		c.MaxImages = 4
	}
	if c.MaxPromptLength <= 0 {
		c.MaxPromptLength = 4000
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = 10 * time.Minute
	}
	if c.IdempotencyNamespace == uuid.Nil {
		c.IdempotencyNamespace = defaultIdempotencyNamespace
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	return c
}

// backoff returns the wait before retry number attempt (1-based): base
// doubled per attempt, capped at max.
func (c Config) backoff(attempt int) time.Duration {
	d := c.RetryBaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryMaxBackoff {
			return c.RetryMaxBackoff
		}
	}
	return d
}

func componentLogger(base *log.Logger, prefix string) *log.Logger {
	if base == nil {
		return log.New(io.Discard, prefix, 0)
	}
	return log.New(base.Writer(), prefix, base.Flags())
}
