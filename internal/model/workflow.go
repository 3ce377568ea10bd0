package model

import (
	"encoding/json"
	"time"
)

// DefaultMaxRetries is the retry budget given to a task execution when its
// definition does not override it.
const DefaultMaxRetries = 3

// WorkflowDefinition is an immutable graph of named tasks and their dependencies.
type WorkflowDefinition struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Version      int              `json:"version"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Tasks        []TaskDefinition `json:"tasks,omitempty"`
	Dependencies []DependencyEdge `json:"-"`
}

// TaskDefinition is a single node of a workflow graph. Config is opaque to
// the orchestrator and is handed to the task runner unchanged.
type TaskDefinition struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Config     json.RawMessage `json:"config,omitempty"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
	Position   int             `json:"-"`
	DependsOn  []TaskRef       `json:"dependsOn"`
}

// TaskRef names another task of the same workflow.
type TaskRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DependencyEdge states that TaskID may only run after DependsOnTaskID completed.
type DependencyEdge struct {
	TaskID          string `json:"taskId"`
	DependsOnTaskID string `json:"dependsOnTaskId"`
}

// WorkflowExecution is one run of a WorkflowDefinition.
type WorkflowExecution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName,omitempty"`
	Status       WorkflowStatus  `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Tasks        []TaskExecution `json:"tasks,omitempty"`
}

// TaskExecution is the per-run state of one task.
type TaskExecution struct {
	ID                  string          `json:"id"`
	WorkflowExecutionID string          `json:"workflowExecutionId"`
	TaskID              string          `json:"taskId"`
	Name                string          `json:"name"`
	Type                string          `json:"type"`
	Config              json.RawMessage `json:"config,omitempty"`
	State               TaskState       `json:"state"`
	RetryCount          int             `json:"retryCount"`
	MaxRetries          int             `json:"maxRetries"`
	NextRetryAt         *time.Time      `json:"nextRetryAt,omitempty"`
	StartedAt           *time.Time      `json:"startedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty"`
	Error               string          `json:"error,omitempty"`
	ClaimedBy           string          `json:"claimedBy,omitempty"`
	Position            int             `json:"-"`
}
