// Package clock abstracts time so pollers and retry loops can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock reports the current time and schedules wake-ups.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System is the production clock backed by the time package.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Manual is a clock that only moves when asked to. Every call to After
// advances the clock by d and returns an already-fired channel, so a loop
// that waits between steps runs to completion without real sleeps.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewManual returns a Manual clock starting at start (UTC).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.waits = append(m.waits, d)
	now := m.now
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a wait.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Waits returns the durations passed to After, in call order.
func (m *Manual) Waits() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.waits...)
}
