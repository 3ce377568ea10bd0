package api

import (
	"context"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

type healthResponse struct {
	Status           string `json:"status"`
	Database         string `json:"database"`
	ActiveExecutions int    `json:"active_executions"`
}

// handleHealth reports database reachability and the number of live execution
// loops. An unreachable database yields 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}
	if s.engine != nil {
		resp.ActiveExecutions = s.engine.ActiveCount()
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: database unreachable", "error", err)
		resp.Status = "degraded"
		resp.Database = "unreachable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}
