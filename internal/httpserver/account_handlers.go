package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/tokligence/tokligence-canvas/internal/auth"
	"github.com/tokligence/tokligence-canvas/internal/httpserver/protocol"
)

type accountEndpoint struct {
	server *Server
}

func newAccountEndpoint(server *Server) protocol.Endpoint {
	return &accountEndpoint{server: server}
}

func (e *accountEndpoint) Name() string { return "account" }

func (e *accountEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/api/v1/balance", Handler: http.HandlerFunc(e.server.handleBalance), Access: protocol.User},
		{Method: http.MethodGet, Path: "/api/v1/ledger", Handler: http.HandlerFunc(e.server.handleLedger), Access: protocol.User},
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	summary, err := s.ledger.Summary(r.Context(), userID)
	if err != nil {
		s.logger.Printf("balance user=%d: %v", userID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"balance": summary.Balance,
		"paid":    summary.Paid,
		"summary": summary,
	})
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFrom(r.Context())
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.respondError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}
	entries, err := s.ledger.ListRecent(r.Context(), userID, limit)
	if err != nil {
		s.logger.Printf("ledger user=%d: %v", userID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
