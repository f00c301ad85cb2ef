// Package testutil provides an in-process image generation provider that
// speaks the HTTP wire contract, for end-to-end tests.
package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Task states the fake reports. Each poll advances through the task's
// script; the last entry repeats.
type TaskState struct {
	Status string   // "queued", "running", "succeeded", "failed" or anything else
	URLs   []string // for succeeded
	Error  string   // for failed
	// Raw, when set, is written verbatim instead of the status body.
	Raw string
}

// ProviderServer is a scripted provider bound to the IPv4 loopback.
type ProviderServer struct {
	URL string

	listener  net.Listener
	server    *http.Server
	transport *http.Transport
	client    *http.Client

	mu        sync.Mutex
	script    []TaskState
	submitErr int
	enveloped bool
	tasks     map[string]int
	prompts   map[string]string
	seq       int
}

// NewProviderServer starts the fake. Every task follows script.
func NewProviderServer(t *testing.T, script ...TaskState) *ProviderServer {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test: tcp4 loopback unavailable (%v)", err)
	}
	transport := &http.Transport{}
	s := &ProviderServer{
		URL:       "http://" + l.Addr().String(),
		listener:  l,
		transport: transport,
		client:    &http.Client{Transport: transport},
		script:    script,
		tasks:     make(map[string]int),
		prompts:   make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/images/generations", s.handleSubmit)
	mux.HandleFunc("/v1/tasks/", s.handlePoll)
	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("ProviderServer serve error: %v", err)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// FailSubmissions makes every submit answer with status.
func (s *ProviderServer) FailSubmissions(status int) {
	s.mu.Lock()
	s.submitErr = status
	s.mu.Unlock()
}

// Envelope switches responses to the {"data": {...}} shape.
func (s *ProviderServer) Envelope(on bool) {
	s.mu.Lock()
	s.enveloped = on
	s.mu.Unlock()
}

// Polls returns how many times taskID was polled.
func (s *ProviderServer) Polls(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[taskID]
}

// Prompt returns the prompt submitted for taskID.
func (s *ProviderServer) Prompt(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[taskID]
}

// Client returns an HTTP client configured for the server.
func (s *ProviderServer) Client() *http.Client {
	return s.client
}

// Close shuts down the underlying server and frees resources.
func (s *ProviderServer) Close() {
	_ = s.server.Shutdown(context.Background())
	s.transport.CloseIdleConnections()
}

func (s *ProviderServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"bad json"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	if s.submitErr != 0 {
		status := s.submitErr
		s.mu.Unlock()
		http.Error(w, `{"error":"submission rejected"}`, status)
		return
	}
	s.seq++
	id := "task-" + strconv.Itoa(s.seq)
	s.tasks[id] = 0
	s.prompts[id] = body.Prompt
	enveloped := s.enveloped
	s.mu.Unlock()

	if enveloped {
		writeJSON(w, map[string]any{"data": map[string]string{"id": id}})
		return
	}
	writeJSON(w, map[string]string{"task_id": id})
}

func (s *ProviderServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	s.mu.Lock()
	n, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, `{"error":"unknown task"}`, http.StatusNotFound)
		return
	}
	s.tasks[id] = n + 1
	state := TaskState{Status: "queued"}
	if len(s.script) > 0 {
		if n >= len(s.script) {
			n = len(s.script) - 1
		}
		state = s.script[n]
	}
	enveloped := s.enveloped
	s.mu.Unlock()

	if state.Raw != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(state.Raw))
		return
	}
	task := map[string]any{"status": state.Status}
	if len(state.URLs) > 0 {
		images := make([]map[string]string, 0, len(state.URLs))
		for _, u := range state.URLs {
			images = append(images, map[string]string{"url": u})
		}
		task["images"] = images
	}
	if state.Error != "" {
		task["error"] = state.Error
	}
	if enveloped {
		writeJSON(w, map[string]any{"data": task})
		return
	}
	writeJSON(w, task)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
