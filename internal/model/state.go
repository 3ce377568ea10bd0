package model

// TaskState is the lifecycle state of a single TaskExecution.
type TaskState string

// Task execution states.
const (
	TaskPending   TaskState = "PENDING"
	TaskBlocked   TaskState = "BLOCKED"
	TaskRunning   TaskState = "RUNNING"
	TaskRetrying  TaskState = "RETRYING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
)

// WorkflowStatus is the aggregate status of a WorkflowExecution.
type WorkflowStatus string

// Workflow execution statuses.
const (
	StatusRunning   WorkflowStatus = "RUNNING"
	StatusCompleted WorkflowStatus = "COMPLETED"
	StatusFailed    WorkflowStatus = "FAILED"
)

// validTaskTransitions maps each task state to the states it may move to.
// COMPLETED and FAILED have no outgoing edges.
var validTaskTransitions = map[TaskState]map[TaskState]bool{
	TaskPending: {
		TaskRunning: true,
		TaskBlocked: true,
	},
	TaskBlocked: {
		TaskPending: true,
	},
	TaskRetrying: {
		TaskRunning: true,
	},
	TaskRunning: {
		TaskCompleted: true,
		TaskRetrying:  true,
		TaskFailed:    true,
	},
}

// ValidTaskTransition reports whether a task may move from one state to another.
func ValidTaskTransition(from, to TaskState) bool {
	targets, ok := validTaskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether the state has no outgoing transition.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Claimable reports whether a task in this state may be claimed for dispatch.
func (s TaskState) Claimable() bool {
	return s == TaskPending || s == TaskRetrying
}

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskBlocked, TaskRunning, TaskRetrying, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DeriveStatus computes a workflow execution's status from its task states.
//
// Any task still in progress (PENDING, RUNNING or RETRYING) keeps the
// workflow RUNNING. Otherwise a FAILED task makes it FAILED, and a mix of
// COMPLETED and BLOCKED tasks is COMPLETED.
func DeriveStatus(states []TaskState) WorkflowStatus {
	failed := false
	for _, s := range states {
		switch s {
		case TaskPending, TaskRunning, TaskRetrying:
			return StatusRunning
		case TaskFailed:
			failed = true
		}
	}
	if failed {
		return StatusFailed
	}
	return StatusCompleted
}
