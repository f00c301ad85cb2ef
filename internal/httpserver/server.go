// Package httpserver exposes the generation, account and operator endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/tokligence-canvas/internal/auth"
	"github.com/tokligence/tokligence-canvas/internal/health"
	"github.com/tokligence/tokligence-canvas/internal/hooks"
	"github.com/tokligence/tokligence-canvas/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-canvas/internal/ledger"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
	"github.com/tokligence/tokligence-canvas/internal/orchestrator"
	"github.com/tokligence/tokligence-canvas/internal/ratelimit"
)

// Orchestrator is the part of the generation pipeline the handlers need.
type Orchestrator interface {
	Generate(ctx context.Context, req orchestrator.Request) (orchestrator.Result, error)
	Status(ctx context.Context, userID int64, jobID string) (orchestrator.Status, error)
	Quote(model string, count int) int64
}

// Deps wires a Server.
type Deps struct {
	Orchestrator  Orchestrator
	Ledger        ledger.Store
	Authenticator *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Health        *health.Checker
	Metrics       *metrics.Collector
	Hooks         *hooks.Dispatcher
	// FulfilmentSecret guards /internal/credits. Empty disables the route.
	FulfilmentSecret string
	Logger           *log.Logger
	LogLevel         string
}

// Server holds the HTTP handlers.
type Server struct {
	orch             Orchestrator
	ledger           ledger.Store
	authn            *auth.Authenticator
	limiter          *ratelimit.Middleware
	health           *health.Checker
	metrics          *metrics.Collector
	hooks            *hooks.Dispatcher
	fulfilmentSecret string
	logger           *log.Logger
	logLevel         string
	now              func() time.Time
}

// New builds a Server. Orchestrator, Ledger and Authenticator are required.
func New(deps Deps) (*Server, error) {
	if deps.Orchestrator == nil || deps.Ledger == nil || deps.Authenticator == nil {
		return nil, errors.New("httpserver: orchestrator, ledger and authenticator are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		orch:             deps.Orchestrator,
		ledger:           deps.Ledger,
		authn:            deps.Authenticator,
		health:           deps.Health,
		metrics:          deps.Metrics,
		hooks:            deps.Hooks,
		fulfilmentSecret: deps.FulfilmentSecret,
		logger:           logger,
		logLevel:         deps.LogLevel,
		now:              func() time.Time { return time.Now().UTC() },
	}
	if deps.Limiter != nil {
		s.limiter = ratelimit.NewMiddleware(deps.Limiter, true,
			func(r *http.Request) int64 { return auth.UserFrom(r.Context()) },
			func(userID int64) { s.metrics.RecordRateLimitHit(userKey(userID)) },
			logger)
	}
	return s, nil
}

// Router returns a configured chi router for embedding in HTTP servers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestMetrics)
	s.registerEndpoints(r,
		newGenerateEndpoint(s),
		newAccountEndpoint(s),
		newCreditEndpoint(s),
		newOpsEndpoint(s),
	)
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		if ep == nil {
			continue
		}
		for _, route := range ep.Routes() {
			if route.Handler == nil {
				continue
			}
			h := route.Handler
			switch route.Access {
			case protocol.User:
				if route.RateLimited && s.limiter != nil {
					h = s.limiter.Handler(h)
				}
				h = s.authn.Middleware(s.authError)(h)
			case protocol.Internal:
				h = s.requireFulfilmentSecret(h)
			}
			r.Method(route.Method, route.Path, h)
			s.debugf("registered %s %s (%s)", route.Method, route.Path, ep.Name())
		}
	}
}

func (s *Server) authError(w http.ResponseWriter, r *http.Request, err error) {
	s.debugf("auth rejected %s %s: %v", r.Method, r.URL.Path, err)
	s.respondError(w, http.StatusUnauthorized, auth.ErrUnauthenticated)
}

func (s *Server) requireFulfilmentSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.fulfilmentSecret == "" {
			s.respondError(w, http.StatusNotFound, errors.New("not found"))
			return
		}
		if !auth.SharedSecret(s.fulfilmentSecret, r.Header.Get("X-Fulfilment-Secret")) {
			s.respondError(w, http.StatusUnauthorized, auth.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestMetrics records per-route latency and 5xx responses.
func (s *Server) requestMetrics(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.metrics.RecordRequest(r.Method+" "+route, time.Since(start), ww.Status() >= 500)
	})
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() {
		s.logger.Printf("DEBUG "+format, args...)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}
