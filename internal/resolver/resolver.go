// Package resolver decides which task executions of a workflow run may be
// dispatched at a given instant.
//
// Resolve is a pure function over a Snapshot of one execution. The store calls
// it inside a transaction and applies the returned Block and Unblock lists
// before handing Ready to the execution loop; the in-memory runner applies the
// same plan to its own state.
package resolver

import (
	"time"

	"github.com/shivamAmrutia/orchestration/internal/model"
)

// Snapshot is the state of every task of one workflow execution.
type Snapshot struct {
	// Tasks in creation order. Resolve preserves this order in its output.
	Tasks []model.TaskExecution
	// Deps maps a task definition ID to the task definition IDs it depends on.
	Deps map[string][]string
}

// Plan is the result of resolving a Snapshot.
type Plan struct {
	// Ready holds the tasks eligible for dispatch now, in creation order. Each
	// entry's State is the state a claim must expect: PENDING for tasks that
	// were pending or just unblocked, RETRYING for retries whose backoff elapsed.
	Ready []model.TaskExecution
	// Block holds IDs of PENDING task executions with a failed upstream task.
	// They must move to BLOCKED and never run.
	Block []string
	// Unblock holds IDs of BLOCKED task executions whose dependencies have all
	// completed. They must move back to PENDING.
	Unblock []string
}

// Empty reports whether the plan neither dispatches nor transitions anything.
func (p Plan) Empty() bool {
	return len(p.Ready) == 0 && len(p.Block) == 0 && len(p.Unblock) == 0
}

// Resolve computes the dispatch plan for s at time now.
func Resolve(s Snapshot, now time.Time) Plan {
	byTask := make(map[string]*model.TaskExecution, len(s.Tasks))
	for i := range s.Tasks {
		byTask[s.Tasks[i].TaskID] = &s.Tasks[i]
	}

	doomed := Doomed(s)

	var plan Plan
	for _, te := range s.Tasks {
		switch te.State {
		case model.TaskPending:
			if doomed[te.TaskID] {
				plan.Block = append(plan.Block, te.ID)
				continue
			}
			if depsCompleted(s.Deps[te.TaskID], byTask) {
				plan.Ready = append(plan.Ready, te)
			}

		case model.TaskBlocked:
			if doomed[te.TaskID] || !depsCompleted(s.Deps[te.TaskID], byTask) {
				continue
			}
			plan.Unblock = append(plan.Unblock, te.ID)
			te.State = model.TaskPending
			plan.Ready = append(plan.Ready, te)

		case model.TaskRetrying:
			if te.NextRetryAt == nil || !te.NextRetryAt.After(now) {
				plan.Ready = append(plan.Ready, te)
			}
		}
	}
	return plan
}

// Doomed returns the set of task definition IDs that can never run because a
// task they depend on, directly or transitively, has FAILED. FAILED tasks
// themselves are not included.
//
// The walk follows reverse edges from every FAILED task with an explicit
// queue and a visited set, so it terminates even on a graph that contains a
// cycle.
func Doomed(s Snapshot) map[string]bool {
	dependents := make(map[string][]string)
	for task, deps := range s.Deps {
		for _, d := range deps {
			dependents[d] = append(dependents[d], task)
		}
	}

	doomed := make(map[string]bool)
	var queue []string
	for _, te := range s.Tasks {
		if te.State == model.TaskFailed {
			queue = append(queue, te.TaskID)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range dependents[cur] {
			if doomed[d] {
				continue
			}
			doomed[d] = true
			queue = append(queue, d)
		}
	}
	return doomed
}

func depsCompleted(deps []string, byTask map[string]*model.TaskExecution) bool {
	for _, d := range deps {
		dep, ok := byTask[d]
		if !ok || dep.State != model.TaskCompleted {
			return false
		}
	}
	return true
}
