package api

import (
	"net/http"

	"github.com/shivamAmrutia/orchestration/internal/runner"
)

func (s *Server) handleListTaskTypes(w http.ResponseWriter, _ *http.Request) {
	types := []runner.TypeInfo{}
	if s.registry != nil {
		types = append(types, s.registry.List()...)
	}
	s.writeJSON(w, http.StatusOK, types)
}
