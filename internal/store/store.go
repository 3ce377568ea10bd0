package store

import (
	"context"
	"errors"
	"time"

	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/retry"
)

var (
	// ErrNotFound is returned when a workflow, execution or task execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a workflow name is already taken.
	ErrConflict = errors.New("conflict")
	// ErrStaleState is returned when a conditional transition finds the task
	// in a different state than the caller observed, typically because another
	// executor claimed it first.
	ErrStaleState = errors.New("stale task state")
	// ErrInvalidTransition is returned when a task state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByTaskState map[string]int `json:"count_by_task_state"`
	// FailedByTaskType counts terminally failed task executions per task type.
	FailedByTaskType map[string]int `json:"failed_by_task_type"`
	TotalRetries     int            `json:"total_retries"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
}

// TransitionResult describes a task transition and the dependent tasks whose
// state changed in the same transaction.
type TransitionResult struct {
	Task      model.TaskExecution
	Blocked   []model.TaskExecution
	Unblocked []model.TaskExecution
}

// Store defines the persistence operations of the orchestrator. Every
// mutating method runs in its own transaction.
type Store interface {
	// CreateWorkflow inserts a definition with its tasks and dependency edges
	// atomically. IDs must already be assigned.
	CreateWorkflow(ctx context.Context, def *model.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	WorkflowIDByName(ctx context.Context, name string) (string, error)
	ListWorkflows(ctx context.Context, limit, offset int) ([]*model.WorkflowDefinition, int, error)

	// CreateExecution creates a RUNNING execution and one task execution per
	// task: PENDING without dependencies, BLOCKED otherwise.
	CreateExecution(ctx context.Context, workflowID string, defaultMaxRetries int, now time.Time) (*model.WorkflowExecution, error)
	GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)
	ListExecutions(ctx context.Context, workflowID string, limit, offset int) ([]*model.WorkflowExecution, int, error)
	ListExecutionIDsByStatus(ctx context.Context, status model.WorkflowStatus) ([]string, error)

	// ReadyTasks resolves readiness for an execution, persists any
	// block/unblock transitions it implies and returns the dispatchable tasks.
	ReadyTasks(ctx context.Context, executionID string, now time.Time) ([]model.TaskExecution, error)
	// ClaimTask moves a task to RUNNING only if its stored state is still expected.
	ClaimTask(ctx context.Context, id string, expected model.TaskState, owner string, now time.Time) error
	// CompleteTask and FailTask require the claim to still be held by owner
	// unless owner is empty.
	CompleteTask(ctx context.Context, id, owner string, now time.Time) (*TransitionResult, error)
	FailTask(ctx context.Context, id, owner, errMsg string, policy retry.Policy, now time.Time) (*TransitionResult, error)
	// RecomputeStatus derives the execution status from its task states and stores it.
	RecomputeStatus(ctx context.Context, executionID string, now time.Time) (model.WorkflowStatus, error)
	// ReconcileStale fails every task RUNNING since before cutoff through the
	// retry policy and returns the tasks it changed.
	ReconcileStale(ctx context.Context, cutoff time.Time, policy retry.Policy, now time.Time) ([]model.TaskExecution, error)

	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	Ping(ctx context.Context) error
	Close() error
}
