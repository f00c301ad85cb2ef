package loopback

import (
	"context"
	"testing"

	"github.com/tokligence/tokligence-canvas/internal/provider"
)

func TestLoopbackSettlesAfterPendingPolls(t *testing.T) {
	p := New(2)
	ctx := context.Background()
	taskID, err := p.Submit(ctx, provider.SubmitRequest{JobID: "j1", Prompt: "Hello", Count: 2})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := 0; i < 2; i++ {
		res, err := p.Poll(ctx, taskID)
		if err != nil || res.State != provider.StatePending {
			t.Fatalf("poll %d: expected pending, got %+v %v", i, res, err)
		}
	}
	res, err := p.Poll(ctx, taskID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.State != provider.StateSucceeded || len(res.URLs) != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.URLs[0] != "https://loopback.local/loop-j1/0.png" {
		t.Fatalf("unexpected url %q", res.URLs[0])
	}
}

func TestLoopbackMarkers(t *testing.T) {
	p := New(0)
	ctx := context.Background()
	failID, _ := p.Submit(ctx, provider.SubmitRequest{JobID: "f", Prompt: "please [FAIL]"})
	res, _ := p.Poll(ctx, failID)
	if res.State != provider.StateFailed || res.Reason == "" {
		t.Fatalf("expected failure, got %+v", res)
	}
	emptyID, _ := p.Submit(ctx, provider.SubmitRequest{JobID: "e", Prompt: "[empty]"})
	res, _ = p.Poll(ctx, emptyID)
	if res.State != provider.StateSucceeded || len(res.URLs) != 0 {
		t.Fatalf("expected empty success, got %+v", res)
	}
}

func TestLoopbackErrors(t *testing.T) {
	p := New(0)
	if _, err := p.Submit(context.Background(), provider.SubmitRequest{JobID: "x"}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	_, err := p.Poll(context.Background(), "missing")
	if !provider.IsTransient(err) {
		t.Fatalf("unknown task should be a transient status error, got %v", err)
	}
}
