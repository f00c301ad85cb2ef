package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/tokligence/tokligence-canvas/internal/provider"
)

type stubHTTPClient struct {
	handler func(*http.Request) (*http.Response, error)
}

func (s *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return s.handler(req)
}

func respond(status int, body string) (*http.Response, error) {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: make(http.Header)}, nil
}

func newClient(t *testing.T, handler func(*http.Request) (*http.Response, error)) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: "http://provider.example", APIKey: "sk-test", HTTPClient: &stubHTTPClient{handler: handler}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSubmitSendsPromptAndParsesShapes(t *testing.T) {
	bodies := []string{`{"task_id":"t-flat"}`, `{"data":{"id":"t-env"}}`}
	want := []string{"t-flat", "t-env"}
	for i, body := range bodies {
		c := newClient(t, func(req *http.Request) (*http.Response, error) {
			if req.Method != http.MethodPost || req.URL.Path != "/v1/images/generations" {
				t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
			}
			if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
				t.Fatalf("unexpected auth header %q", got)
			}
			var payload submitPayload
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if payload.Prompt != "a red fox" || payload.N != 2 || payload.ClientRef != "job-1" {
				t.Fatalf("unexpected payload %+v", payload)
			}
			return respond(http.StatusAccepted, body)
		})
		taskID, err := c.Submit(context.Background(), provider.SubmitRequest{JobID: "job-1", Prompt: "a red fox", Count: 2})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if taskID != want[i] {
			t.Fatalf("expected %s, got %s", want[i], taskID)
		}
	}
}

func TestSubmitFailuresAreSubmissionErrors(t *testing.T) {
	cases := []struct {
		name      string
		handler   func(*http.Request) (*http.Response, error)
		status    int
		malformed bool
	}{
		{"server error", func(*http.Request) (*http.Response, error) { return respond(500, `{"error":"boom"}`) }, 500, false},
		{"network", func(*http.Request) (*http.Response, error) { return nil, errors.New("dial tcp: refused") }, 0, false},
		{"unknown shape", func(*http.Request) (*http.Response, error) { return respond(200, `{"job":"x"}`) }, 200, true},
		{"both shapes", func(*http.Request) (*http.Response, error) { return respond(200, `{"task_id":"a","data":{"id":"b"}}`) }, 200, true},
		{"not json", func(*http.Request) (*http.Response, error) { return respond(200, `<html>`) }, 200, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newClient(t, tc.handler)
			_, err := c.Submit(context.Background(), provider.SubmitRequest{JobID: "j", Prompt: "p"})
			var se *provider.SubmissionError
			if !errors.As(err, &se) {
				t.Fatalf("expected SubmissionError, got %v", err)
			}
			if se.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, se.StatusCode)
			}
			if errors.Is(err, provider.ErrMalformedResponse) != tc.malformed {
				t.Fatalf("malformed mismatch for %v", err)
			}
		})
	}
}

func TestPollParsesKnownShapes(t *testing.T) {
	cases := []struct {
		body  string
		state provider.State
		urls  int
	}{
		{`{"status":"queued"}`, provider.StatePending, 0},
		{`{"data":{"status":"running"}}`, provider.StatePending, 0},
		{`{"status":"succeeded","images":[{"url":"https://cdn/1.png"},{"url":"https://cdn/2.png"}]}`, provider.StateSucceeded, 2},
		{`{"data":{"status":"completed","images":[{"url":"https://cdn/1.png"}]}}`, provider.StateSucceeded, 1},
		{`{"status":"succeeded","images":[]}`, provider.StateSucceeded, 0},
		{`{"status":"failed","error":"nsfw"}`, provider.StateFailed, 0},
	}
	for _, tc := range cases {
		c := newClient(t, func(req *http.Request) (*http.Response, error) {
			if req.Method != http.MethodGet || req.URL.Path != "/v1/tasks/task-1" {
				t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
			}
			return respond(200, tc.body)
		})
		res, err := c.Poll(context.Background(), "task-1")
		if err != nil {
			t.Fatalf("Poll(%s): %v", tc.body, err)
		}
		if res.State != tc.state || len(res.URLs) != tc.urls {
			t.Fatalf("Poll(%s) = %+v", tc.body, res)
		}
	}
}

func TestPollFailureReason(t *testing.T) {
	c := newClient(t, func(*http.Request) (*http.Response, error) {
		return respond(200, `{"data":{"status":"failed","error":"content policy"}}`)
	})
	res, err := c.Poll(context.Background(), "t")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if res.Reason != "content policy" {
		t.Fatalf("unexpected reason %q", res.Reason)
	}
}

func TestPollErrorsClassified(t *testing.T) {
	c := newClient(t, func(*http.Request) (*http.Response, error) { return respond(503, `{}`) })
	_, err := c.Poll(context.Background(), "t")
	var statusErr *provider.StatusError
	if !errors.As(err, &statusErr) || !provider.IsTransient(err) {
		t.Fatalf("expected transient status error, got %v", err)
	}

	for _, body := range []string{`{"status":"melting"}`, `{}`, `[1,2]`, `{"status":"queued","data":{"status":"running"}}`} {
		c := newClient(t, func(*http.Request) (*http.Response, error) { return respond(200, body) })
		_, err := c.Poll(context.Background(), "t")
		if !errors.Is(err, provider.ErrMalformedResponse) {
			t.Fatalf("body %s: expected malformed, got %v", body, err)
		}
		if provider.IsTransient(err) {
			t.Fatalf("body %s: malformed must not be transient", body)
		}
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
