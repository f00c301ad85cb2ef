package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/tokligence-canvas/internal/auth"
	"github.com/tokligence/tokligence-canvas/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-canvas/internal/jobstore"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
	"github.com/tokligence/tokligence-canvas/internal/orchestrator"
	"github.com/tokligence/tokligence-canvas/internal/resultstore"
)

type generateEndpoint struct {
	server *Server
}

func newGenerateEndpoint(server *Server) protocol.Endpoint {
	return &generateEndpoint{server: server}
}

func (e *generateEndpoint) Name() string { return "generate" }

func (e *generateEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/generate", Handler: http.HandlerFunc(e.server.handleGenerate), Access: protocol.User, RateLimited: true},
		{Method: http.MethodGet, Path: "/generate/status", Handler: http.HandlerFunc(e.server.handleGenerateStatus), Access: protocol.User},
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Count  int    `json:"count"`
}

// jobResponse is the client view of a job. refunded and refund_pending
// always tell the caller whether the tokens came back.
type jobResponse struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	TokensUsed    int64     `json:"tokens_used"`
	Model         string    `json:"model,omitempty"`
	Count         int       `json:"count"`
	Artifacts     []string  `json:"artifacts,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Refunded      bool      `json:"refunded"`
	RefundPending bool      `json:"refund_pending"`
	Replayed      bool      `json:"replayed,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func newJobResponse(job jobstore.Job, artifacts []resultstore.Artifact) jobResponse {
	resp := jobResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		TokensUsed:    job.Cost,
		Model:         job.Model,
		Count:         job.Count,
		Reason:        string(job.Reason),
		Refunded:      job.Status == jobstore.StatusRefunded,
		RefundPending: job.RefundPending(),
		CreatedAt:     job.CreatedAt,
	}
	for _, a := range artifacts {
		resp.Artifacts = append(resp.Artifacts, a.URL)
	}
	return resp
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	var body generateRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req := orchestrator.Request{
		UserID:         userID,
		Prompt:         body.Prompt,
		Model:          body.Model,
		Count:          body.Count,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	res, err := s.orch.Generate(r.Context(), req)
	switch {
	case err == nil:
		resp := newJobResponse(res.Job, nil)
		resp.Replayed = res.Replayed
		s.respondJSON(w, http.StatusOK, resp)

	case errors.Is(err, orchestrator.ErrInvalidRequest):
		s.respondError(w, http.StatusBadRequest, err)

	case errors.Is(err, ledger.ErrInsufficientBalance):
		payload := map[string]any{
			"error":    "insufficient token balance",
			"required": s.orch.Quote(body.Model, body.Count),
		}
		if balance, berr := s.ledger.Balance(r.Context(), userID); berr == nil {
			payload["balance"] = balance
		}
		s.respondJSON(w, http.StatusPaymentRequired, payload)

	case errors.Is(err, orchestrator.ErrIdempotencyConflict):
		s.respondError(w, http.StatusConflict, err)

	case errors.Is(err, orchestrator.ErrSubmissionFailed):
		s.logger.Printf("generate user=%d job=%s: %v", userID, res.Job.ID, err)
		resp := newJobResponse(res.Job, nil)
		msg := "image provider rejected the request; tokens refunded"
		if !resp.Refunded {
			msg = "image provider rejected the request; refund in progress"
		}
		s.respondJSON(w, http.StatusInternalServerError, struct {
			Error string `json:"error"`
			jobResponse
		}{Error: msg, jobResponse: resp})

	case errors.Is(err, orchestrator.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, err)

	default:
		s.logger.Printf("generate user=%d: %v", userID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}

func (s *Server) handleGenerateStatus(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("job_id required"))
		return
	}
	st, err := s.orch.Status(r.Context(), userID, jobID)
	if errors.Is(err, orchestrator.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	if err != nil {
		s.logger.Printf("status user=%d job=%s: %v", userID, jobID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	s.respondJSON(w, http.StatusOK, newJobResponse(st.Job, st.Artifacts))
}
