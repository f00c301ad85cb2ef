package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("/generate", 20*time.Millisecond, false)
	c.RecordRequest("/generate", 10*time.Millisecond, true)
	c.RecordReservation(10)
	c.RecordReservation(5)
	c.RecordInsufficientBalance()
	c.RecordSubmission(nil)
	c.RecordSubmission(errors.New("503"))
	c.RecordPoll(nil)
	c.RecordPoll(errors.New("timeout"))
	c.RecordOutcome("succeeded")
	c.RecordOutcome("timeout")
	c.RecordRefund(5)
	c.RecordRefundRetry()
	c.RecordArtifact(false)
	c.RecordArtifact(true)
	c.JobStarted()
	c.JobStarted()
	c.JobFinished()

	snap := c.GetSnapshot()
	if snap.TotalRequests["/generate"] != 2 || snap.RequestErrors["/generate"] != 1 {
		t.Fatalf("unexpected request counters %+v", snap)
	}
	if snap.Reservations != 2 || snap.ReservedTokens != 15 || snap.InsufficientBalance != 1 {
		t.Fatalf("unexpected ledger counters %+v", snap)
	}
	if snap.Submissions["ok"] != 1 || snap.Submissions["error"] != 1 {
		t.Fatalf("unexpected submissions %v", snap.Submissions)
	}
	if snap.PollAttempts != 2 || snap.PollErrors != 1 {
		t.Fatalf("unexpected poll counters %d/%d", snap.PollAttempts, snap.PollErrors)
	}
	if snap.Refunds != 1 || snap.RefundedTokens != 5 || snap.RefundRetries != 1 {
		t.Fatalf("unexpected refund counters %+v", snap)
	}
	if snap.Artifacts != 1 || snap.ArtifactDupes != 1 || snap.JobsInFlight != 1 {
		t.Fatalf("unexpected job counters %+v", snap)
	}

	// snapshot maps are copies
	snap.Outcomes["succeeded"] = 100
	if c.GetSnapshot().Outcomes["succeeded"] != 1 {
		t.Fatal("snapshot shares state with collector")
	}
}

func TestNilCollectorIgnoresRecords(t *testing.T) {
	var c *Collector
	c.RecordReservation(1)
	c.RecordOutcome("timeout")
	c.JobStarted()
	if snap := c.GetSnapshot(); snap.Reservations != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.RecordOutcome("provider_failed")
	c.RecordRateLimitHit("123456")
	c.RecordRefundStuck()
	out := FormatPrometheus(c.GetSnapshot())

	for _, want := range []string{
		"# TYPE canvas_job_outcomes_total counter",
		`canvas_job_outcomes_total{outcome="provider_failed"} 1`,
		`canvas_rate_limit_by_user_total{user="user_***3456"} 1`,
		"canvas_refund_retry_exhausted_total 1",
		"canvas_uptime_seconds ",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
