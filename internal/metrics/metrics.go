package metrics

import (
	"sync"
	"time"
)

// Collector tracks counters for the HTTP surface and the job pipeline and
// renders them in Prometheus text format. A nil *Collector ignores records.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Rate limit metrics
	rateLimitHits  int64
	rateLimitByKey map[string]int64 // by user

	// Ledger metrics
	reservations        int64
	reservedTokens      int64
	insufficientBalance int64
	committedTokens     int64
	refunds             int64
	refundedTokens      int64
	refundRetries       int64
	refundStuck         int64
	purchasedTokens     int64

	// Provider and job metrics
	submissions    map[string]int64 // "ok" / "error"
	pollAttempts   int64
	pollErrors     int64
	outcomes       map[string]int64 // succeeded or failure reason
	jobsInFlight   int64
	artifacts      int64
	artifactDupes  int64
	recoveredJobs  int64
	orphanedDebits int64

	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		rateLimitByKey:   make(map[string]int64),
		submissions:      make(map[string]int64),
		outcomes:         make(map[string]int64),
		startTime:        time.Now(),
	}
}

func (c *Collector) with(fn func()) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration, failed bool) {
	c.with(func() {
		c.totalRequests[endpoint]++
		c.totalRequestsDur[endpoint] += duration.Milliseconds()
		if failed {
			c.requestErrors[endpoint]++
		}
	})
}

// RecordRateLimitHit records a rate limit rejection.
func (c *Collector) RecordRateLimitHit(key string) {
	c.with(func() {
		c.rateLimitHits++
		c.rateLimitByKey[key]++
	})
}

// RecordReservation records a successful debit.
func (c *Collector) RecordReservation(tokens int64) {
	c.with(func() {
		c.reservations++
		c.reservedTokens += tokens
	})
}

// RecordInsufficientBalance records a rejected reservation.
func (c *Collector) RecordInsufficientBalance() {
	c.with(func() { c.insufficientBalance++ })
}

// RecordSubmission records a provider submit attempt.
func (c *Collector) RecordSubmission(err error) {
	c.with(func() {
		if err != nil {
			c.submissions["error"]++
			return
		}
		c.submissions["ok"]++
	})
}

// RecordPoll records one poll attempt.
func (c *Collector) RecordPoll(err error) {
	c.with(func() {
		c.pollAttempts++
		if err != nil {
			c.pollErrors++
		}
	})
}

// RecordOutcome records a terminal outcome: "succeeded" or a failure reason.
func (c *Collector) RecordOutcome(outcome string) {
	c.with(func() { c.outcomes[outcome]++ })
}

// RecordCommit records tokens consumed by a successful job.
func (c *Collector) RecordCommit(tokens int64) {
	c.with(func() { c.committedTokens += tokens })
}

// RecordRefund records a refund that moved tokens back.
func (c *Collector) RecordRefund(tokens int64) {
	c.with(func() {
		c.refunds++
		c.refundedTokens += tokens
	})
}

// RecordRefundRetry records a failed refund attempt that will be retried.
func (c *Collector) RecordRefundRetry() {
	c.with(func() { c.refundRetries++ })
}

// RecordRefundStuck records a refund that exhausted its alert budget.
func (c *Collector) RecordRefundStuck() {
	c.with(func() { c.refundStuck++ })
}

// RecordPurchase records a purchase credit.
func (c *Collector) RecordPurchase(tokens int64) {
	c.with(func() { c.purchasedTokens += tokens })
}

// RecordArtifact records a persisted artifact; duplicate is true when the
// row already existed.
func (c *Collector) RecordArtifact(duplicate bool) {
	c.with(func() {
		if duplicate {
			c.artifactDupes++
			return
		}
		c.artifacts++
	})
}

// JobStarted and JobFinished track background workers.
func (c *Collector) JobStarted() { c.with(func() { c.jobsInFlight++ }) }

func (c *Collector) JobFinished() { c.with(func() { c.jobsInFlight-- }) }

// RecordRecovery records jobs resumed and orphan debits refunded at start-up.
func (c *Collector) RecordRecovery(jobs, orphans int) {
	c.with(func() {
		c.recoveredJobs += int64(jobs)
		c.orphanedDebits += int64(orphans)
	})
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime              int64
	TotalRequests       map[string]int64
	TotalRequestsDur    map[string]int64
	RequestErrors       map[string]int64
	RateLimitHits       int64
	RateLimitByKey      map[string]int64
	Reservations        int64
	ReservedTokens      int64
	InsufficientBalance int64
	CommittedTokens     int64
	Refunds             int64
	RefundedTokens      int64
	RefundRetries       int64
	RefundStuck         int64
	PurchasedTokens     int64
	Submissions         map[string]int64
	PollAttempts        int64
	PollErrors          int64
	Outcomes            map[string]int64
	JobsInFlight        int64
	Artifacts           int64
	ArtifactDupes       int64
	RecoveredJobs       int64
	OrphanedDebits      int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:              int64(time.Since(c.startTime).Seconds()),
		TotalRequests:       copyMap(c.totalRequests),
		TotalRequestsDur:    copyMap(c.totalRequestsDur),
		RequestErrors:       copyMap(c.requestErrors),
		RateLimitHits:       c.rateLimitHits,
		RateLimitByKey:      copyMap(c.rateLimitByKey),
		Reservations:        c.reservations,
		ReservedTokens:      c.reservedTokens,
		InsufficientBalance: c.insufficientBalance,
		CommittedTokens:     c.committedTokens,
		Refunds:             c.refunds,
		RefundedTokens:      c.refundedTokens,
		RefundRetries:       c.refundRetries,
		RefundStuck:         c.refundStuck,
		PurchasedTokens:     c.purchasedTokens,
		Submissions:         copyMap(c.submissions),
		PollAttempts:        c.pollAttempts,
		PollErrors:          c.pollErrors,
		Outcomes:            copyMap(c.outcomes),
		JobsInFlight:        c.jobsInFlight,
		Artifacts:           c.artifacts,
		ArtifactDupes:       c.artifactDupes,
		RecoveredJobs:       c.recoveredJobs,
		OrphanedDebits:      c.orphanedDebits,
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
