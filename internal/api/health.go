package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Metrics   map[string]any    `json:"metrics,omitempty"`
	WSClients int               `json:"ws_clients"`
}

// handleHealth always answers 200: a failed dependency degrades the service
// but the live view keeps working.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", WSClients: s.hub.ClientCount()}
	if len(s.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Checks))
	}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			s.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		resp.Checks[name] = "ok"
	}

	if len(s.deps.Metrics) > 0 {
		resp.Metrics = make(map[string]any, len(s.deps.Metrics))
		for name, m := range s.deps.Metrics {
			resp.Metrics[name] = m()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
