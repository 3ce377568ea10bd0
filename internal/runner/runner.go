package runner

import (
	"context"
	"encoding/json"
)

// Runner executes one attempt of a task. A nil error means the task
// succeeded; any error is a failed attempt handed to the retry policy.
type Runner interface {
	Run(ctx context.Context, task Task) error
}

// Func adapts an ordinary function to the Runner interface.
type Func func(ctx context.Context, task Task) error

// Run calls f(ctx, task).
func (f Func) Run(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Task is what a runner receives for one attempt.
type Task struct {
	ExecutionID     string          `json:"executionId"`
	TaskExecutionID string          `json:"taskExecutionId"`
	Name            string          `json:"name"`
	Type            string          `json:"type"`
	Config          json.RawMessage `json:"config,omitempty"`
	// Attempt is 1 for the first run and grows by one per retry.
	Attempt int `json:"attempt"`

	// Log is an optional callback runners invoke to emit output lines while
	// the attempt is running.
	Log func(line string) `json:"-"`
}

func (t Task) logf(line string) {
	if t.Log != nil {
		t.Log(line)
	}
}

// decodeConfig unmarshals the task config into v. An empty config leaves v untouched.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
