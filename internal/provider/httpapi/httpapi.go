// Package httpapi is the HTTP client for a remote generation provider.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tokligence/tokligence-canvas/internal/provider"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes the remote endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	// SubmitPath receives the POST that creates a task.
	SubmitPath string
	// PollPath is joined with the task id, e.g. "/v1/tasks/".
	PollPath   string
	Timeout    time.Duration
	HTTPClient HTTPClient
}

// Client implements provider.Client over JSON/HTTP.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	submitPath string
	pollPath   string
	httpClient HTTPClient
}

var _ provider.Client = (*Client)(nil)

// New constructs a client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("provider base url required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid provider base URL: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	submitPath := cfg.SubmitPath
	if submitPath == "" {
		submitPath = "/v1/images/generations"
	}
	pollPath := cfg.PollPath
	if pollPath == "" {
		pollPath = "/v1/tasks/"
	}
	if !strings.HasSuffix(pollPath, "/") {
		pollPath += "/"
	}
	return &Client{
		baseURL:    parsed,
		apiKey:     cfg.APIKey,
		submitPath: submitPath,
		pollPath:   pollPath,
		httpClient: httpClient,
	}, nil
}

func (c *Client) Name() string { return "http" }

type submitPayload struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	N         int    `json:"n"`
	ClientRef string `json:"client_reference_id,omitempty"`
}

// Submit creates a task. The response must be one of
//
//	{"task_id": "..."}
//	{"data": {"id": "..."}}
func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	count := req.Count
	if count < 1 {
		count = 1
	}
	status, body, err := c.doJSON(ctx, http.MethodPost, c.submitPath, submitPayload{
		Prompt:    req.Prompt,
		Model:     req.Model,
		N:         count,
		ClientRef: req.JobID,
	})
	if err != nil {
		return "", &provider.SubmissionError{StatusCode: status, Err: err}
	}
	taskID, err := parseSubmit(body)
	if err != nil {
		return "", &provider.SubmissionError{StatusCode: status, Err: err}
	}
	return taskID, nil
}

// Poll reads a task. Non-2xx and network errors are returned as transient;
// a 2xx body of unknown shape is ErrMalformedResponse.
func (c *Client) Poll(ctx context.Context, taskID string) (provider.PollResult, error) {
	if strings.TrimSpace(taskID) == "" {
		return provider.PollResult{}, errors.New("task id required")
	}
	_, body, err := c.doJSON(ctx, http.MethodGet, c.pollPath+url.PathEscape(taskID), nil)
	if err != nil {
		return provider.PollResult{}, err
	}
	return parsePoll(body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(buf)
	}

	rel, err := url.Parse(path)
	if err != nil {
		return 0, nil, err
	}
	endpoint := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Error string `json:"error"`
		}
		msg := ""
		if err := json.Unmarshal(data, &errPayload); err == nil {
			msg = strings.TrimSpace(errPayload.Error)
		}
		return resp.StatusCode, nil, &provider.StatusError{StatusCode: resp.StatusCode, Body: msg}
	}
	return resp.StatusCode, data, nil
}
