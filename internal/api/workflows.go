package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shivamAmrutia/orchestration/internal/graph"
	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/store"
	"github.com/shivamAmrutia/orchestration/internal/workflow"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listWorkflowsResponse wraps the paginated list response.
type listWorkflowsResponse struct {
	Workflows []*model.WorkflowDefinition `json:"workflows"`
	Total     int                         `json:"total"`
	Limit     int                         `json:"limit"`
	Offset    int                         `json:"offset"`
}

// runWorkflowResponse is the JSON response for POST /api/{id}/run.
type runWorkflowResponse struct {
	Message     string `json:"message"`
	ExecutionID string `json:"executionId"`
}

// validationErrorResponse carries the offending cycle when there is one.
type validationErrorResponse struct {
	Error string   `json:"error"`
	Cycle []string `json:"cycle,omitempty"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.CreateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	def, err := s.workflows.Create(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, graph.ErrCycle), errors.Is(err, graph.ErrInvalidGraph), errors.Is(err, workflow.ErrInvalid):
		resp := validationErrorResponse{Error: err.Error()}
		var verr *graph.ValidationError
		if errors.As(err, &verr) {
			resp.Cycle = verr.Cycle
		}
		s.writeJSON(w, http.StatusBadRequest, resp)
		return
	case errors.Is(err, store.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error("create workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create workflow")
		return
	}

	s.writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	def, err := s.workflows.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("get workflow", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workflow")
		return
	}

	s.writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	defs, total, err := s.workflows.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list workflows", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workflows")
		return
	}

	if defs == nil {
		defs = []*model.WorkflowDefinition{}
	}

	s.writeJSON(w, http.StatusOK, listWorkflowsResponse{
		Workflows: defs,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exec, err := s.engine.Start(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if err != nil {
		s.logger.Error("start workflow execution", "workflow_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start workflow")
		return
	}

	s.writeJSON(w, http.StatusAccepted, runWorkflowResponse{
		Message:     "Workflow execution started",
		ExecutionID: exec.ID,
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// pagination reads limit and offset, clamping them to sane values.
func pagination(r *http.Request) (int, int) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
