// Package events carries execution progress out of the execution loop: to
// SSE subscribers through the in-process Broker and to other services
// through NATS.
package events

import (
	"time"

	"github.com/shivamAmrutia/orchestration/internal/model"
)

// Type names what happened.
type Type string

const (
	TaskClaimed       Type = "task.claimed"
	TaskCompleted     Type = "task.completed"
	TaskRetrying      Type = "task.retrying"
	TaskFailed        Type = "task.failed"
	TaskBlocked       Type = "task.blocked"
	TaskLog           Type = "task.log"
	ExecutionStatus   Type = "execution.status"
	ExecutionFinished Type = "execution.finished"
)

// Event is one observation about a workflow execution.
type Event struct {
	Type            Type                 `json:"type"`
	ExecutionID     string               `json:"executionId"`
	TaskExecutionID string               `json:"taskExecutionId,omitempty"`
	Task            string               `json:"task,omitempty"`
	State           model.TaskState      `json:"state,omitempty"`
	Status          model.WorkflowStatus `json:"status,omitempty"`
	Error           string               `json:"error,omitempty"`
	Attempt         int                  `json:"attempt,omitempty"`
	Line            string               `json:"line,omitempty"`
	Time            time.Time            `json:"time"`
}

// Sink receives events. Publish must not block the caller for long; sinks
// drop or log rather than fail.
type Sink interface {
	Publish(ev Event)
}

// Multi fans every event out to each of its sinks in order.
type Multi []Sink

func (m Multi) Publish(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}
