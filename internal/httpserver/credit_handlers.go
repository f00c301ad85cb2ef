package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-canvas/internal/hooks"
	"github.com/tokligence/tokligence-canvas/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
)

type creditEndpoint struct {
	server *Server
}

func newCreditEndpoint(server *Server) protocol.Endpoint {
	return &creditEndpoint{server: server}
}

func (e *creditEndpoint) Name() string { return "credits" }

func (e *creditEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/internal/credits", Handler: http.HandlerFunc(e.server.handleCredit), Access: protocol.Internal},
	}
}

type creditRequest struct {
	UserID     int64  `json:"user_id"`
	Tokens     int64  `json:"tokens"`
	PurchaseID string `json:"purchase_id"`
}

// handleCredit applies a purchase. It is idempotent on purchase_id so the
// payment processor may retry freely.
func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var body creditRequest
	if err := s.decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	body.PurchaseID = strings.TrimSpace(body.PurchaseID)
	if body.UserID <= 0 || body.PurchaseID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id and purchase_id required"))
		return
	}
	correlation := "purchase:" + body.PurchaseID
	before, err := s.ledger.Entries(r.Context(), correlation)
	if err != nil {
		s.logger.Printf("credit purchase=%s: %v", body.PurchaseID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	balance, err := s.ledger.Credit(r.Context(), body.UserID, body.Tokens, correlation)
	if errors.Is(err, ledger.ErrInvalidAmount) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if err != nil {
		s.logger.Printf("credit purchase=%s user=%d: %v", body.PurchaseID, body.UserID, err)
		s.respondError(w, http.StatusInternalServerError, errors.New("internal error"))
		return
	}
	applied := len(before) == 0
	if applied {
		s.metrics.RecordPurchase(body.Tokens)
		s.logger.Printf("credited %d tokens to user %d (purchase %s)", body.Tokens, body.UserID, body.PurchaseID)
		if err := s.hooks.Emit(context.WithoutCancel(r.Context()), hooks.Event{
			ID:         uuid.NewString(),
			Type:       hooks.EventCreditApplied,
			OccurredAt: s.now(),
			UserID:     body.UserID,
			Metadata:   map[string]any{"tokens": body.Tokens, "purchase_id": body.PurchaseID},
		}); err != nil {
			s.logger.Printf("hook %s: %v", hooks.EventCreditApplied, err)
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"user_id":     body.UserID,
		"balance":     balance,
		"purchase_id": body.PurchaseID,
		"applied":     applied,
	})
}
