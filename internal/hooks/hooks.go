package hooks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType names the job lifecycle transitions exported to operators.
type EventType string

const (
	// EventJobSucceeded is emitted after artifacts are persisted and the
	// reservation is committed.
	EventJobSucceeded EventType = "canvas.job.succeeded"
	// EventJobRefunded is emitted once a failed job's tokens are back.
	EventJobRefunded EventType = "canvas.job.refunded"
	// EventRefundStuck is emitted when a refund has failed for the whole
	// retry budget. Retrying continues; someone should look.
	EventRefundStuck EventType = "canvas.job.refund_stuck"
	// EventCreditApplied is emitted when a purchase credit lands.
	EventCreditApplied EventType = "canvas.credit.applied"
)

// Event envelopes the payload broadcast to hook listeners.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	UserID     int64          `json:"user_id"`
	JobID      string         `json:"job_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Handler reacts to an Event. Implementations should be idempotent.
type Handler func(context.Context, Event) error

// Dispatcher coordinates handler registration and event fan-out. A nil
// Dispatcher drops events.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a new handler. Handlers fire sequentially in registration
// order.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Emit delivers an event to all registered handlers and joins their errors.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
