package httpapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tokligence/tokligence-canvas/internal/provider"
)

type submitBody struct {
	TaskID string `json:"task_id"`
	Data   *struct {
		ID string `json:"id"`
	} `json:"data"`
}

func parseSubmit(body []byte) (string, error) {
	var b submitBody
	if err := json.Unmarshal(body, &b); err != nil {
		return "", fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	flat := strings.TrimSpace(b.TaskID)
	switch {
	case flat != "" && b.Data == nil:
		return flat, nil
	case flat == "" && b.Data != nil && strings.TrimSpace(b.Data.ID) != "":
		return strings.TrimSpace(b.Data.ID), nil
	default:
		return "", fmt.Errorf("%w: no task id in submit response", provider.ErrMalformedResponse)
	}
}

type taskBody struct {
	Status string `json:"status"`
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
	Error string `json:"error"`
}

type pollBody struct {
	taskBody
	Data *taskBody `json:"data"`
}

func parsePoll(body []byte) (provider.PollResult, error) {
	var b pollBody
	if err := json.Unmarshal(body, &b); err != nil {
		return provider.PollResult{}, fmt.Errorf("%w: %v", provider.ErrMalformedResponse, err)
	}
	task := b.taskBody
	if b.Data != nil {
		if task.Status != "" {
			return provider.PollResult{}, fmt.Errorf("%w: both flat and enveloped status", provider.ErrMalformedResponse)
		}
		task = *b.Data
	}

	switch strings.ToLower(strings.TrimSpace(task.Status)) {
	case "queued", "pending", "running", "processing":
		return provider.PollResult{State: provider.StatePending}, nil
	case "succeeded", "completed":
		urls := make([]string, 0, len(task.Images))
		for _, img := range task.Images {
			if u := strings.TrimSpace(img.URL); u != "" {
				urls = append(urls, u)
			}
		}
		return provider.PollResult{State: provider.StateSucceeded, URLs: urls}, nil
	case "failed", "error", "cancelled", "canceled":
		reason := strings.TrimSpace(task.Error)
		if reason == "" {
			reason = "provider reported failure"
		}
		return provider.PollResult{State: provider.StateFailed, Reason: reason}, nil
	case "":
		return provider.PollResult{}, fmt.Errorf("%w: missing status", provider.ErrMalformedResponse)
	default:
		return provider.PollResult{}, fmt.Errorf("%w: unknown status %q", provider.ErrMalformedResponse, task.Status)
	}
}
