package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/tokligence-canvas/internal/clock"
	"github.com/tokligence/tokligence-canvas/internal/hooks"
	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	jobsqlite "github.com/tokligence/tokligence-canvas/internal/jobstore/sqlite"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
	ledgersqlite "github.com/tokligence/tokligence-canvas/internal/ledger/sqlite"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
	"github.com/tokligence/tokligence-canvas/internal/pricing"
	"github.com/tokligence/tokligence-canvas/internal/provider"
	resultsqlite "github.com/tokligence/tokligence-canvas/internal/resultstore/sqlite"
)

const userID int64 = 42

// scriptedProvider replays a fixed sequence of poll results per task. The
// last result repeats once the script runs out.
type scriptedProvider struct {
	mu        sync.Mutex
	submitErr error
	script    []provider.PollResult
	pollErrs  []error
	submits   int
	polls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if p.submitErr != nil {
		return "", &provider.SubmissionError{StatusCode: 503, Err: p.submitErr}
	}
	return "task-" + req.JobID, nil
}

func (p *scriptedProvider) Poll(ctx context.Context, taskID string) (provider.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.polls
	p.polls++
	if i < len(p.pollErrs) && p.pollErrs[i] != nil {
		return provider.PollResult{}, p.pollErrs[i]
	}
	if len(p.script) == 0 {
		return provider.PollResult{State: provider.StatePending}, nil
	}
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	return p.script[i], nil
}

func (p *scriptedProvider) counts() (submits, polls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits, p.polls
}

// flakyLedger fails the first n releases with a transient error.
type flakyLedger struct {
	ledger.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyLedger) Release(ctx context.Context, userID, amount int64, corr string) (bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.Release(ctx, userID, amount, corr)
}

// flakyJobs fails the next transitions into the listed statuses with a
// transient error.
type flakyJobs struct {
	jobstore.Store
	mu    sync.Mutex
	fails map[jobstore.Status]int
}

func (f *flakyJobs) Transition(ctx context.Context, id string, from jobstore.Status, u jobstore.Update) (jobstore.Job, error) {
	f.mu.Lock()
	if f.fails[u.To] > 0 {
		f.fails[u.To]--
		f.mu.Unlock()
		return jobstore.Job{}, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.Store.Transition(ctx, id, from, u)
}

type harness struct {
	orch     *Orchestrator
	ledger   ledger.Store
	jobs     jobstore.Store
	results  *resultsqlite.Store
	provider *scriptedProvider
	clock    *clock.Manual
	metrics  *metrics.Collector
	hooks    *hooks.Dispatcher
	events   *eventLog
	logs     *syncBuffer
}

// syncBuffer collects log output from concurrent component loggers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type eventLog struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (l *eventLog) handle(_ context.Context, evt hooks.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) types() []hooks.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]hooks.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type harnessOption func(*harness, *Config)

func withLedger(wrap func(ledger.Store) ledger.Store) harnessOption {
	return func(h *harness, _ *Config) { h.ledger = wrap(h.ledger) }
}

func withJobs(wrap func(jobstore.Store) jobstore.Store) harnessOption {
	return func(h *harness, _ *Config) { h.jobs = wrap(h.jobs) }
}

func withConfig(fn func(*Config)) harnessOption {
	return func(_ *harness, cfg *Config) { fn(cfg) }
}

func newHarness(t *testing.T, p *scriptedProvider, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	ls, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	ls.SetNow(clk.Now)
	js, err := jobsqlite.New(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	js.SetNow(clk.Now)
	rs, err := resultsqlite.New(filepath.Join(dir, "results.db"))
	require.NoError(t, err)
	rs.SetNow(clk.Now)

	calc, err := pricing.New(pricing.DefaultTable())
	require.NoError(t, err)

	h := &harness{
		ledger:   ls,
		jobs:     js,
		results:  rs,
		provider: p,
		clock:    clk,
		metrics:  metrics.NewCollector(),
		hooks:    &hooks.Dispatcher{},
		events:   &eventLog{},
		logs:     &syncBuffer{},
	}
	h.hooks.Register(h.events.handle)
	cfg := Config{
		PollInterval:     2 * time.Second,
		PollTimeout:      30 * time.Second,
		Workers:          4,
		RetryBaseBackoff: 10 * time.Millisecond,
		RetryMaxBackoff:  40 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h, &cfg)
	}

	orch, err := New(Deps{
		Ledger:   h.ledger,
		Jobs:     h.jobs,
		Results:  rs,
		Provider: p,
		Pricing:  calc,
		Clock:    clk,
		Metrics:  h.metrics,
		Hooks:    h.hooks,
		Logger:   log.New(h.logs, "", 0),
	}, cfg)
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() {
		orch.Close()
		_ = ls.Close()
		_ = js.Close()
		_ = rs.Close()
	})
	return h
}

func (h *harness) fund(t *testing.T, amount int64) {
	t.Helper()
	_, err := h.ledger.Credit(context.Background(), userID, amount, "purchase-"+t.Name())
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) reasons(t *testing.T, jobID string) []ledger.Reason {
	t.Helper()
	entries, err := h.ledger.Entries(context.Background(), jobID)
	require.NoError(t, err)
	out := make([]ledger.Reason, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Reason)
	}
	return out
}

func succeededAfter(pending int, urls ...string) []provider.PollResult {
	script := make([]provider.PollResult, 0, pending+1)
	for i := 0; i < pending; i++ {
		script = append(script, provider.PollResult{State: provider.StatePending})
	}
	return append(script, provider.PollResult{State: provider.StateSucceeded, URLs: urls})
}

func TestGenerateHappyPathCommitsReservation(t *testing.T) {
	p := &scriptedProvider{script: succeededAfter(2, "https://cdn/a.png", "https://cdn/b.png")}
	h := newHarness(t, p)
	h.fund(t, 100)
	ctx := context.Background()

	res, err := h.orch.Generate(ctx, Request{UserID: userID, Prompt: "a red fox", Model: "flux-pro", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusSubmitted, res.Job.Status)
	assert.Equal(t, int64(20), res.Job.Cost)
	assert.Equal(t, int64(80), h.balance(t))

	h.orch.Wait()

	st, err := h.orch.Status(ctx, userID, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusSucceeded, st.Job.Status)
	require.Len(t, st.Artifacts, 2)
	assert.Equal(t, "https://cdn/a.png", st.Artifacts[0].URL)
	assert.Equal(t, int64(80), h.balance(t))
	assert.Equal(t, []ledger.Reason{ledger.ReasonDebitGeneration, ledger.ReasonCommitGeneration}, h.reasons(t, res.Job.ID))
	assert.Contains(t, h.events.types(), hooks.EventJobSucceeded)

	_, polls := p.counts()
	assert.Equal(t, 3, polls)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.clock.Waits())

	snap := h.metrics.GetSnapshot()
	assert.Equal(t, int64(20), snap.CommittedTokens)
	assert.Equal(t, int64(2), snap.Artifacts)
}

func TestGenerateInsufficientBalanceWritesNothing(t *testing.T) {
	p := &scriptedProvider{}
	h := newHarness(t, p)
	h.fund(t, 5)

	_, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "castle", Model: "flux-pro", Count: 1})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, int64(5), h.balance(t))

	submits, _ := p.counts()
	assert.Zero(t, submits)
	unresolved, err := h.jobs.ListUnresolved(context.Background())
	require.NoError(t, err)
	assert.Empty(t, unresolved)
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().InsufficientBalance)
}

func TestGenerateSubmissionFailureRefundsImmediately(t *testing.T) {
	p := &scriptedProvider{submitErr: errors.New("upstream unavailable")}
	h := newHarness(t, p)
	h.fund(t, 50)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "harbor", Model: "sdxl", Count: 3})
	require.ErrorIs(t, err, ErrSubmissionFailed)
	assert.Equal(t, jobstore.StatusRefunded, res.Job.Status)
	assert.Equal(t, jobstore.ReasonSubmissionFailed, res.Job.Reason)
	assert.Equal(t, int64(50), h.balance(t))
	assert.Equal(t, []ledger.Reason{ledger.ReasonDebitGeneration, ledger.ReasonRefundGeneration}, h.reasons(t, res.Job.ID))
	assert.Contains(t, h.events.types(), hooks.EventJobRefunded)

	// The job never reached the provider.
	job, err := h.jobs.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Empty(t, job.ExternalTaskID)
	assert.True(t, job.SubmittedAt.IsZero())
	arts, err := h.results.ListByJob(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Empty(t, arts)
	_, polls := p.counts()
	assert.Zero(t, polls)
}

func TestGenerateProviderFailureRefunds(t *testing.T) {
	p := &scriptedProvider{script: []provider.PollResult{
		{State: provider.StatePending},
		{State: provider.StatePending},
		{State: provider.StateFailed, Reason: "nsfw filter"},
	}}
	h := newHarness(t, p)
	h.fund(t, 30)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "storm", Model: "flux-dev"})
	require.NoError(t, err)
	assert.Equal(t, int64(24), h.balance(t))
	h.orch.Wait()

	job, err := h.jobs.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRefunded, job.Status)
	assert.Equal(t, jobstore.ReasonProviderFailed, job.Reason)
	assert.Equal(t, "nsfw filter", job.Detail)
	assert.Equal(t, int64(30), h.balance(t))
	assert.Equal(t, []ledger.Reason{ledger.ReasonDebitGeneration, ledger.ReasonRefundGeneration}, h.reasons(t, res.Job.ID))

	_, polls := p.counts()
	assert.Equal(t, 3, polls)
	arts, err := h.results.ListByJob(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestGenerateTransientPollErrorDoesNotFailJob(t *testing.T) {
	p := &scriptedProvider{
		pollErrs: []error{errors.New("connection reset")},
		script:   succeededAfter(1, "https://cdn/late.png"),
	}
	h := newHarness(t, p)
	h.fund(t, 10)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "lighthouse", Model: "sdxl"})
	require.NoError(t, err)
	h.orch.Wait()

	st, err := h.orch.Status(context.Background(), userID, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusSucceeded, st.Job.Status)
	require.Len(t, st.Artifacts, 1)
	assert.Equal(t, "https://cdn/late.png", st.Artifacts[0].URL)
	assert.Equal(t, int64(6), h.balance(t))
	_, polls := p.counts()
	assert.Equal(t, 2, polls)
}

func TestTransientJobStoreErrorsDoNotStrandJobs(t *testing.T) {
	cases := []struct {
		name       string
		failInto   jobstore.Status
		script     []provider.PollResult
		wantStatus jobstore.Status
		wantReason []ledger.Reason
		wantBal    int64
	}{
		{
			name:       "start polling",
			failInto:   jobstore.StatusPolling,
			script:     succeededAfter(0, "https://cdn/p.png"),
			wantStatus: jobstore.StatusSucceeded,
			wantReason: []ledger.Reason{ledger.ReasonDebitGeneration, ledger.ReasonCommitGeneration},
			wantBal:    95,
		},
		{
			name:       "mark succeeded",
			failInto:   jobstore.StatusSucceeded,
			script:     succeededAfter(0, "https://cdn/s.png"),
			wantStatus: jobstore.StatusSucceeded,
			wantReason: []ledger.Reason{ledger.ReasonDebitGeneration, ledger.ReasonCommitGeneration},
			wantBal:    95,
		},
		{
			name:       "mark failed",
			failInto:   jobstore.StatusFailed,
			script:     []provider.PollResult{{State: provider.StateFailed, Reason: "boom"}},
			wantStatus: jobstore.StatusRefunded,
			wantReason: []ledger.Reason{ledger.ReasonDebitGeneration, ledger.ReasonRefundGeneration},
			wantBal:    100,
		},
		{
			name:       "mark refunded",
			failInto:   jobstore.StatusRefunded,
			script:     []provider.PollResult{{State: provider.StateFailed, Reason: "boom"}},
			wantStatus: jobstore.StatusRefunded,
			wantReason: []ledger.Reason{ledger.ReasonDebitGeneration, ledger.ReasonRefundGeneration},
			wantBal:    100,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &scriptedProvider{script: tc.script}
			h := newHarness(t, p, withJobs(func(s jobstore.Store) jobstore.Store {
				return &flakyJobs{Store: s, fails: map[jobstore.Status]int{tc.failInto: 1}}
			}))
			h.fund(t, 100)

			res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "mill", Model: "default"})
			require.NoError(t, err)
			h.orch.Wait()

			job, err := h.jobs.Get(context.Background(), res.Job.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, job.Status)
			assert.Equal(t, tc.wantBal, h.balance(t))
			assert.Equal(t, tc.wantReason, h.reasons(t, res.Job.ID))

			unresolved, err := h.jobs.ListUnresolved(context.Background())
			require.NoError(t, err)
			assert.Empty(t, unresolved)
		})
	}
}

func TestGeneratePollTimeoutRefundsWithTimeoutReason(t *testing.T) {
	p := &scriptedProvider{}
	h := newHarness(t, p, withConfig(func(c *Config) {
		c.PollInterval = 2 * time.Second
		c.PollTimeout = 7 * time.Second
		c.PollMaxAttempts = 100
	}))
	h.fund(t, 10)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "slow", Model: "flux-schnell"})
	require.NoError(t, err)
	h.orch.Wait()

	job, err := h.jobs.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRefunded, job.Status)
	assert.Equal(t, jobstore.ReasonTimeout, job.Reason)
	assert.ErrorIs(t, failure(job.Reason, job.Detail).Err(), ErrPollTimeout)
	assert.Equal(t, int64(10), h.balance(t))

	// Waits are trimmed to the deadline.
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second, time.Second}, h.clock.Waits())
}

func TestGenerateEmptyResultRefunds(t *testing.T) {
	p := &scriptedProvider{script: []provider.PollResult{{State: provider.StateSucceeded}}}
	h := newHarness(t, p)
	h.fund(t, 10)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "void", Model: "sdxl"})
	require.NoError(t, err)
	h.orch.Wait()

	job, err := h.jobs.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRefunded, job.Status)
	assert.Equal(t, jobstore.ReasonEmptyResult, job.Reason)
	assert.Equal(t, int64(10), h.balance(t))
}

func TestGenerateMalformedPollFailsFast(t *testing.T) {
	p := &scriptedProvider{pollErrs: []error{errors.New("connection reset"), provider.ErrMalformedResponse}}
	h := newHarness(t, p)
	h.fund(t, 10)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "glitch", Model: "sdxl"})
	require.NoError(t, err)
	h.orch.Wait()

	job, err := h.jobs.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRefunded, job.Status)
	assert.Equal(t, jobstore.ReasonMalformedResponse, job.Reason)
	_, polls := p.counts()
	assert.Equal(t, 2, polls)
}

func TestSharedArtifactStaysWithFirstJob(t *testing.T) {
	p := &scriptedProvider{script: succeededAfter(0, "https://cdn/same.png")}
	h := newHarness(t, p)
	h.fund(t, 100)
	ctx := context.Background()
	req := Request{UserID: userID, Prompt: "same prompt", Model: "sdxl"}

	first, err := h.orch.Generate(ctx, req)
	require.NoError(t, err)
	h.orch.Wait()
	second, err := h.orch.Generate(ctx, req)
	require.NoError(t, err)
	h.orch.Wait()

	firstStatus, err := h.orch.Status(ctx, userID, first.Job.ID)
	require.NoError(t, err)
	require.Len(t, firstStatus.Artifacts, 1)
	secondStatus, err := h.orch.Status(ctx, userID, second.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusSucceeded, secondStatus.Job.Status)
	assert.Empty(t, secondStatus.Artifacts)

	assert.Equal(t, int64(92), h.balance(t))
	assert.Equal(t, int64(1), h.metrics.GetSnapshot().ArtifactDupes)
	assert.Contains(t, h.logs.String(), "already recorded under job "+first.Job.ID)
}

func TestGenerateIdempotencyKeyReplaysJob(t *testing.T) {
	p := &scriptedProvider{script: succeededAfter(0, "https://cdn/x.png")}
	h := newHarness(t, p)
	h.fund(t, 100)
	ctx := context.Background()
	req := Request{UserID: userID, Prompt: "owl", Model: "flux-pro", IdempotencyKey: "req-1"}

	first, err := h.orch.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	h.orch.Wait()

	second, err := h.orch.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, jobstore.StatusSucceeded, second.Job.Status)
	byKey, err := h.jobs.FindByIdempotencyKey(ctx, userID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.Job.ID, byKey.ID)

	submits, _ := p.counts()
	assert.Equal(t, 1, submits)
	assert.Equal(t, int64(90), h.balance(t))

	other, err := h.orch.Generate(ctx, Request{UserID: userID + 1, Prompt: "owl", Model: "flux-pro", IdempotencyKey: "req-1"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Empty(t, other.Job.ID)
}

func TestGenerateValidation(t *testing.T) {
	h := newHarness(t, &scriptedProvider{})
	h.fund(t, 100)
	cases := []Request{
		{UserID: 0, Prompt: "x"},
		{UserID: userID, Prompt: "   "},
		{UserID: userID, Prompt: "x", Count: -1},
		{UserID: userID, Prompt: "x", Count: 5},
	}
	for i, req := range cases {
		_, err := h.orch.Generate(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "case %d", i)
	}
	assert.Equal(t, int64(100), h.balance(t))
}

func TestStatusHidesOtherUsersJobs(t *testing.T) {
	p := &scriptedProvider{script: succeededAfter(0, "https://cdn/y.png")}
	h := newHarness(t, p)
	h.fund(t, 100)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "moon", Model: "sdxl"})
	require.NoError(t, err)
	h.orch.Wait()

	_, err = h.orch.Status(context.Background(), userID+1, res.Job.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.orch.Status(context.Background(), userID, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefundRetriesAndReportsStuck(t *testing.T) {
	p := &scriptedProvider{script: []provider.PollResult{{State: provider.StateFailed, Reason: "gpu lost"}}}
	h := newHarness(t, p,
		withLedger(func(s ledger.Store) ledger.Store {
			return &flakyLedger{Store: s, failures: 3}
		}),
		withConfig(func(c *Config) { c.RefundAlertAttempts = 2 }),
	)
	h.fund(t, 10)

	res, err := h.orch.Generate(context.Background(), Request{UserID: userID, Prompt: "retry", Model: "sdxl"})
	require.NoError(t, err)
	h.orch.Wait()

	job, err := h.jobs.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRefunded, job.Status)
	assert.Equal(t, int64(10), h.balance(t))
	assert.Contains(t, h.events.types(), hooks.EventRefundStuck)

	snap := h.metrics.GetSnapshot()
	assert.Equal(t, int64(3), snap.RefundRetries)
	assert.Equal(t, int64(1), snap.RefundStuck)
	assert.Equal(t, int64(1), snap.Refunds)
}

func TestConservationAcrossMixedOutcomes(t *testing.T) {
	p := &scriptedProvider{script: succeededAfter(1, "https://cdn/z.png")}
	h := newHarness(t, p)
	h.fund(t, 1000)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := h.orch.Generate(ctx, Request{UserID: userID, Prompt: "batch", Model: "sdxl", Count: 2})
		require.NoError(t, err)
	}
	h.orch.Wait()

	summary, err := h.ledger.Summary(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, summary.Purchased-summary.Debited+summary.Refunded, summary.Balance)
	assert.Equal(t, int64(1000-5*8), summary.Balance)
	assert.True(t, summary.Paid)
}
