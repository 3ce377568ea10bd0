package api

import (
	"net/http"
)

// statsResponse aggregates executions, task states and retries across all
// workflows, plus the loops live in this process.
type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByTaskState      map[string]int `json:"by_task_state"`
	FailedByTaskType map[string]int `json:"failed_by_task_type"`
	RetriesTotal     int            `json:"retries_total"`
	ActiveLoops      int            `json:"active_loops"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	resp := statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByTaskState:      stats.CountByTaskState,
		FailedByTaskType: stats.FailedByTaskType,
		RetriesTotal:     stats.TotalRetries,
		AvgDurationMS:    stats.AvgDurationMS,
	}
	if s.engine != nil {
		resp.ActiveLoops = s.engine.ActiveCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
