// Package loopback is an in-process provider for local runs and tests. It
// settles every task after a fixed number of polls.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tokligence/tokligence-canvas/internal/provider"
)

var _ provider.Client = (*Provider)(nil)

// Prompt markers that steer the outcome.
const (
	FailMarker  = "[fail]"
	EmptyMarker = "[empty]"
)

type task struct {
	prompt string
	count  int
	polls  int
}

// Provider fabricates deterministic tasks.
type Provider struct {
	pendingPolls int

	mu    sync.Mutex
	tasks map[string]*task
}

// New creates a loopback provider whose tasks report pending for
// pendingPolls polls before settling.
func New(pendingPolls int) *Provider {
	if pendingPolls < 0 {
		pendingPolls = 0
	}
	return &Provider{pendingPolls: pendingPolls, tasks: make(map[string]*task)}
}

func (p *Provider) Name() string { return "loopback" }

func (p *Provider) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return "", &provider.SubmissionError{Err: errors.New("empty prompt")}
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	id := "loop-" + req.JobID
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[id]; !ok {
		p.tasks[id] = &task{prompt: req.Prompt, count: count}
	}
	return id, nil
}

func (p *Provider) Poll(ctx context.Context, taskID string) (provider.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return provider.PollResult{}, &provider.StatusError{StatusCode: 404, Body: "unknown task"}
	}
	t.polls++
	if t.polls <= p.pendingPolls {
		return provider.PollResult{State: provider.StatePending}, nil
	}
	prompt := strings.ToLower(t.prompt)
	switch {
	case strings.Contains(prompt, FailMarker):
		return provider.PollResult{State: provider.StateFailed, Reason: "[loopback] forced failure"}, nil
	case strings.Contains(prompt, EmptyMarker):
		return provider.PollResult{State: provider.StateSucceeded}, nil
	}
	urls := make([]string, t.count)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://loopback.local/%s/%d.png", taskID, i)
	}
	return provider.PollResult{State: provider.StateSucceeded, URLs: urls}, nil
}
