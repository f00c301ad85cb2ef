package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	gauge(&sb, "canvas_uptime_seconds", "Time since the service started", snap.Uptime)

	labelled(&sb, "canvas_requests_total", "Total number of requests by endpoint", "counter", "endpoint", snap.TotalRequests)
	labelled(&sb, "canvas_request_errors_total", "Total number of failed requests by endpoint", "counter", "endpoint", snap.RequestErrors)
	labelled(&sb, "canvas_request_duration_ms_total", "Total request duration in milliseconds", "counter", "endpoint", snap.TotalRequestsDur)

	counter(&sb, "canvas_rate_limit_hits_total", "Total number of rate limit rejections", snap.RateLimitHits)
	masked := make(map[string]int64, len(snap.RateLimitByKey))
	for key, count := range snap.RateLimitByKey {
		masked[maskUserID(key)] += count
	}
	labelled(&sb, "canvas_rate_limit_by_user_total", "Rate limit hits by user", "counter", "user", masked)

	counter(&sb, "canvas_reservations_total", "Successful token reservations", snap.Reservations)
	counter(&sb, "canvas_reserved_tokens_total", "Tokens debited by reservations", snap.ReservedTokens)
	counter(&sb, "canvas_insufficient_balance_total", "Reservations rejected for insufficient balance", snap.InsufficientBalance)
	counter(&sb, "canvas_committed_tokens_total", "Tokens consumed by successful jobs", snap.CommittedTokens)
	counter(&sb, "canvas_refunds_total", "Refunds applied to failed jobs", snap.Refunds)
	counter(&sb, "canvas_refunded_tokens_total", "Tokens returned by refunds", snap.RefundedTokens)
	counter(&sb, "canvas_refund_retries_total", "Refund attempts that failed and were retried", snap.RefundRetries)
	counter(&sb, "canvas_refund_retry_exhausted_total", "Refunds that exhausted the alert budget", snap.RefundStuck)
	counter(&sb, "canvas_purchased_tokens_total", "Tokens credited by purchases", snap.PurchasedTokens)

	labelled(&sb, "canvas_provider_submissions_total", "Provider submit attempts by result", "counter", "result", snap.Submissions)
	counter(&sb, "canvas_provider_polls_total", "Provider poll attempts", snap.PollAttempts)
	counter(&sb, "canvas_provider_poll_errors_total", "Provider poll attempts that returned an error", snap.PollErrors)
	labelled(&sb, "canvas_job_outcomes_total", "Terminal job outcomes by reason", "counter", "outcome", snap.Outcomes)
	gauge(&sb, "canvas_jobs_in_flight", "Jobs currently polled in the background", snap.JobsInFlight)
	counter(&sb, "canvas_artifacts_persisted_total", "Artifacts stored", snap.Artifacts)
	counter(&sb, "canvas_artifacts_deduplicated_total", "Artifact writes that matched an existing row", snap.ArtifactDupes)
	counter(&sb, "canvas_recovered_jobs_total", "Jobs resumed or refunded at start-up", snap.RecoveredJobs)
	counter(&sb, "canvas_orphaned_debits_total", "Debits without a job refunded at start-up", snap.OrphanedDebits)

	return sb.String()
}

func header(sb *strings.Builder, name, help, kind string) {
	fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", name, kind)
}

func counter(sb *strings.Builder, name, help string, v int64) {
	header(sb, name, help, "counter")
	fmt.Fprintf(sb, "%s %d\n\n", name, v)
}

func gauge(sb *strings.Builder, name, help string, v int64) {
	header(sb, name, help, "gauge")
	fmt.Fprintf(sb, "%s %d\n\n", name, v)
}

func labelled(sb *strings.Builder, name, help, kind, label string, values map[string]int64) {
	header(sb, name, help, kind)
	for _, key := range sortedKeys(values) {
		fmt.Fprintf(sb, "%s{%s=%q} %d\n", name, label, key, values[key])
	}
	sb.WriteString("\n")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func maskUserID(userID string) string {
	if len(userID) <= 4 {
		return "user_***"
	}
	// Show last 4 characters only
	return "user_***" + userID[len(userID)-4:]
}
