package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeadlock is wrapped by DeadlockError.
var ErrDeadlock = errors.New("workflow deadlocked")

// DeadlockError reports an in-memory run that stopped making progress while
// tasks were still waiting to run.
type DeadlockError struct {
	ExecutionID string
	// Tasks are the names of the tasks that can never become ready.
	Tasks []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%s: execution %s cannot progress, waiting tasks: %s",
		ErrDeadlock, e.ExecutionID, strings.Join(e.Tasks, ", "))
}

func (e *DeadlockError) Unwrap() error { return ErrDeadlock }

// TaskRunError is a failed task attempt. Its message is what gets stored on
// the task execution.
type TaskRunError struct {
	Task    string
	Attempt int
	Err     error
}

func (e *TaskRunError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.Task, e.Attempt, e.Err)
}

func (e *TaskRunError) Unwrap() error { return e.Err }
