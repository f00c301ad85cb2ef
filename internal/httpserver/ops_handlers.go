package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-canvas/internal/health"
	"github.com/tokligence/tokligence-canvas/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-canvas/internal/metrics"
)

type opsEndpoint struct {
	server *Server
}

func newOpsEndpoint(server *Server) protocol.Endpoint {
	return &opsEndpoint{server: server}
}

func (e *opsEndpoint) Name() string { return "ops" }

func (e *opsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
		{Method: http.MethodGet, Path: "/metrics", Handler: http.HandlerFunc(e.server.HandleMetrics)},
	}
}

// HandleHealth runs the dependency probes. 503 when storage is down.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": health.StatusHealthy, "time": s.now().Format("2006-01-02T15:04:05Z07:00")})
		return
	}
	status := s.health.Check(r.Context())
	code := http.StatusOK
	if status.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, status)
}

// HandleMetrics writes the Prometheus text exposition.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}
