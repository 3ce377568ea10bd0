// Package workflow creates and reads workflow definitions. Definitions are
// validated as a whole before anything is written, so an invalid graph never
// reaches the store.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shivamAmrutia/orchestration/internal/graph"
	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/store"
)

// ErrInvalid is returned for malformed create requests that are not graph errors.
var ErrInvalid = errors.New("invalid workflow")

// CreateRequest is the body of a workflow creation request.
type CreateRequest struct {
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	Tasks        []TaskSpec   `json:"tasks"`
	Dependencies []graph.Edge `json:"dependencies"`
}

// TaskSpec describes one task of a CreateRequest.
type TaskSpec struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Config     json.RawMessage `json:"config,omitempty"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
}

// Service implements workflow creation and lookup on top of a store.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a workflow service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger, now: time.Now}
}

// Create validates req and persists the definition, its tasks and its edges
// in a single transaction.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.WorkflowDefinition, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalid)
	}

	names := make([]string, len(req.Tasks))
	for i, t := range req.Tasks {
		names[i] = t.Name
		if strings.TrimSpace(t.Type) == "" {
			return nil, fmt.Errorf("%w: task %q has no type", ErrInvalid, t.Name)
		}
		if t.MaxRetries != nil && *t.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: task %q has negative maxRetries", ErrInvalid, t.Name)
		}
	}
	if err := graph.Validate(names, req.Dependencies); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	def := &model.WorkflowDefinition{
		ID:          model.NewID(),
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		Tasks:       make([]model.TaskDefinition, len(req.Tasks)),
	}

	byName := make(map[string]int, len(req.Tasks))
	for i, t := range req.Tasks {
		var cfg json.RawMessage
		if len(t.Config) > 0 && string(t.Config) != "null" {
			cfg = t.Config
		}
		def.Tasks[i] = model.TaskDefinition{
			ID:         model.NewID(),
			WorkflowID: def.ID,
			Name:       t.Name,
			Type:       t.Type,
			Config:     cfg,
			MaxRetries: t.MaxRetries,
			Position:   i,
			DependsOn:  []model.TaskRef{},
		}
		byName[t.Name] = i
	}
	for _, e := range req.Dependencies {
		from, to := byName[e.From], byName[e.To]
		def.Dependencies = append(def.Dependencies, model.DependencyEdge{
			TaskID:          def.Tasks[from].ID,
			DependsOnTaskID: def.Tasks[to].ID,
		})
		def.Tasks[from].DependsOn = append(def.Tasks[from].DependsOn, model.TaskRef{
			ID:   def.Tasks[to].ID,
			Name: def.Tasks[to].Name,
		})
	}

	if err := s.store.CreateWorkflow(ctx, def); err != nil {
		return nil, err
	}

	s.logger.Info("workflow created",
		"workflow_id", def.ID,
		"name", def.Name,
		"tasks", len(def.Tasks),
		"dependencies", len(def.Dependencies),
	)
	return def, nil
}

// Get returns a definition with its tasks and dependency names.
func (s *Service) Get(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	return s.store.GetWorkflow(ctx, id)
}

// GetByName returns the definition registered under name.
func (s *Service) GetByName(ctx context.Context, name string) (*model.WorkflowDefinition, error) {
	id, err := s.store.WorkflowIDByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.GetWorkflow(ctx, id)
}

// List returns a page of definitions, newest first, and the total count.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*model.WorkflowDefinition, int, error) {
	return s.store.ListWorkflows(ctx, limit, offset)
}
