package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/resolver"
	"github.com/shivamAmrutia/orchestration/internal/runner"
	"github.com/shivamAmrutia/orchestration/internal/store"
)

// MemoryTask is one task of a MemoryWorkflow. DependsOn names other tasks.
type MemoryTask struct {
	Name       string
	Type       string
	Config     json.RawMessage
	MaxRetries *int
	DependsOn  []string
}

// MemoryWorkflow is a workflow run without persistence. It is not validated
// as a graph, so RunInMemory must cope with cycles itself.
type MemoryWorkflow struct {
	Name  string
	Tasks []MemoryTask
}

// MemoryResult is the final state of an in-memory run.
type MemoryResult struct {
	ExecutionID string
	Status      model.WorkflowStatus
	Tasks       []model.TaskExecution
}

// Task returns the task execution with the given name.
func (r *MemoryResult) Task(name string) (model.TaskExecution, bool) {
	for _, te := range r.Tasks {
		if te.Name == name {
			return te, true
		}
	}
	return model.TaskExecution{}, false
}

// memRun is the state of one in-memory execution. Nothing is shared between runs.
type memRun struct {
	mu    sync.Mutex
	id    string
	tasks []model.TaskExecution
	// index maps a task execution ID to its position in tasks.
	index map[string]int
	// deps is keyed by task name, which doubles as the task definition ID.
	deps map[string][]string
}

func newMemRun(wf MemoryWorkflow, defaultMaxRetries int) (*memRun, error) {
	run := &memRun{
		id:    model.NewID(),
		index: make(map[string]int, len(wf.Tasks)),
		deps:  make(map[string][]string),
	}
	names := make(map[string]bool, len(wf.Tasks))
	for i, t := range wf.Tasks {
		if names[t.Name] {
			return nil, fmt.Errorf("duplicate task %q", t.Name)
		}
		te := model.TaskExecution{
			ID:                  model.NewID(),
			WorkflowExecutionID: run.id,
			TaskID:              t.Name,
			Name:                t.Name,
			Type:                t.Type,
			Config:              t.Config,
			State:               model.TaskPending,
			MaxRetries:          defaultMaxRetries,
			Position:            i,
		}
		if t.MaxRetries != nil {
			te.MaxRetries = *t.MaxRetries
		}
		if len(t.DependsOn) > 0 {
			te.State = model.TaskBlocked
		}
		names[t.Name] = true
		run.index[te.ID] = i
		run.tasks = append(run.tasks, te)
	}
	for _, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			if !names[dep] {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.Name, dep)
			}
			run.deps[t.Name] = append(run.deps[t.Name], dep)
		}
	}
	return run, nil
}

func (r *memRun) snapshot() resolver.Snapshot {
	tasks := make([]model.TaskExecution, len(r.tasks))
	copy(tasks, r.tasks)
	return resolver.Snapshot{Tasks: tasks, Deps: r.deps}
}

// settle resolves the run, applies block/unblock transitions and returns
// the ready tasks along with the number of transitions applied.
func (r *memRun) settle(now time.Time) ([]model.TaskExecution, []model.TaskExecution, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	plan := resolver.Resolve(r.snapshot(), now)
	var blocked []model.TaskExecution
	for _, id := range plan.Block {
		te := &r.tasks[r.index[id]]
		te.State = model.TaskBlocked
		blocked = append(blocked, *te)
	}
	for _, id := range plan.Unblock {
		r.tasks[r.index[id]].State = model.TaskPending
	}
	return plan.Ready, blocked, len(plan.Block) + len(plan.Unblock)
}

// claim moves a task from expected to RUNNING.
func (r *memRun) claim(id string, expected model.TaskState, owner string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	te := &r.tasks[r.index[id]]
	if te.State != expected {
		return false
	}
	started := now.UTC()
	te.State = model.TaskRunning
	te.StartedAt = &started
	te.ClaimedBy = owner
	return true
}

func (r *memRun) complete(id string, now time.Time) model.TaskExecution {
	r.mu.Lock()
	defer r.mu.Unlock()

	te := &r.tasks[r.index[id]]
	done := now.UTC()
	te.State = model.TaskCompleted
	te.CompletedAt = &done
	return *te
}

func (r *memRun) fail(id, msg string, opts Options, now time.Time) model.TaskExecution {
	r.mu.Lock()
	defer r.mu.Unlock()

	te := &r.tasks[r.index[id]]
	d := opts.Retry.Decide(te.RetryCount, te.MaxRetries, now)
	te.RetryCount = d.RetryCount
	te.Error = msg
	if d.Terminal {
		done := now.UTC()
		te.State = model.TaskFailed
		te.CompletedAt = &done
		te.NextRetryAt = nil
	} else {
		next := d.NextRetryAt.UTC()
		te.State = model.TaskRetrying
		te.NextRetryAt = &next
	}
	return *te
}

// inspect returns the derived status, the names of tasks waiting on
// something that can never happen and the earliest pending retry.
func (r *memRun) inspect() (model.WorkflowStatus, []string, *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshot()
	doomed := resolver.Doomed(snap)

	states := make([]model.TaskState, len(r.tasks))
	var (
		waiting   []string
		nextRetry *time.Time
	)
	for i, te := range r.tasks {
		states[i] = te.State
		switch te.State {
		case model.TaskPending, model.TaskBlocked:
			if !doomed[te.TaskID] {
				waiting = append(waiting, te.Name)
			}
		case model.TaskRetrying:
			if te.NextRetryAt != nil && (nextRetry == nil || te.NextRetryAt.Before(*nextRetry)) {
				nextRetry = te.NextRetryAt
			}
		}
	}
	return model.DeriveStatus(states), waiting, nextRetry
}

func (r *memRun) result(status model.WorkflowStatus) *MemoryResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	tasks := make([]model.TaskExecution, len(r.tasks))
	copy(tasks, r.tasks)
	return &MemoryResult{ExecutionID: r.id, Status: status, Tasks: tasks}
}

// RunInMemory executes wf to completion without a store, using the same
// resolver and retry policy as the persisted loop. A round that transitions
// nothing while tasks are still waiting and no retry is scheduled returns a
// *DeadlockError with a FAILED result.
func RunInMemory(ctx context.Context, wf MemoryWorkflow, r runner.Runner, opts Options) (*MemoryResult, error) {
	opts = opts.withDefaults()
	run, err := newMemRun(wf, opts.Retry.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("build in-memory run: %w", err)
	}
	x := &Executor{runner: r, opts: opts}
	logger := opts.Logger.With("execution_id", run.id, "workflow", wf.Name)
	logger.Info("in-memory execution started", "tasks", len(wf.Tasks))

	for {
		if err := ctx.Err(); err != nil {
			return run.result(model.StatusRunning), err
		}

		ready, blocked, moved := run.settle(opts.Now())
		x.publishBlocked(run.id, blocked)
		if len(ready) > 0 {
			n, err := x.runMemoryRound(ctx, run, ready)
			if err != nil {
				return run.result(model.StatusRunning), err
			}
			moved += n
			_, blocked, n = run.settle(opts.Now())
			x.publishBlocked(run.id, blocked)
			moved += n
		}

		status, waiting, nextRetry := run.inspect()
		if moved == 0 && nextRetry == nil && len(waiting) > 0 {
			logger.Error("in-memory execution deadlocked", "waiting", waiting)
			x.publish(events.Event{Type: events.ExecutionFinished, ExecutionID: run.id, Status: model.StatusFailed})
			return run.result(model.StatusFailed), &DeadlockError{ExecutionID: run.id, Tasks: waiting}
		}
		if status.Terminal() && len(waiting) == 0 {
			logger.Info("in-memory execution finished", "status", status)
			x.publish(events.Event{Type: events.ExecutionFinished, ExecutionID: run.id, Status: status})
			return run.result(status), nil
		}

		if moved == 0 && nextRetry != nil {
			wait := min(max(nextRetry.Sub(opts.Now()), 0), opts.PollInterval)
			if err := sleep(ctx, wait); err != nil {
				return run.result(status), err
			}
		}
	}
}

// runMemoryRound runs ready tasks concurrently and returns how many changed state.
func (x *Executor) runMemoryRound(ctx context.Context, run *memRun, ready []model.TaskExecution) (int, error) {
	g, gctx := errgroup.WithContext(ctx)
	if x.opts.MaxParallel > 0 {
		g.SetLimit(x.opts.MaxParallel)
	}

	var (
		mu    sync.Mutex
		moved int
	)
	for _, te := range ready {
		g.Go(func() error {
			if !run.claim(te.ID, te.State, x.opts.Owner, x.opts.Now()) {
				return nil
			}
			attempt := te.RetryCount + 1
			runErr := x.invoke(gctx, run.id, te, attempt)
			if err := gctx.Err(); err != nil {
				return err
			}

			var after model.TaskExecution
			if runErr == nil {
				after = run.complete(te.ID, x.opts.Now())
			} else {
				msg := runErr.Error()
				var tre *TaskRunError
				if errors.As(runErr, &tre) {
					msg = tre.Err.Error()
				}
				after = run.fail(te.ID, msg, x.opts, x.opts.Now())
			}
			x.publishTransition(run.id, &store.TransitionResult{Task: after})

			mu.Lock()
			moved++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return moved, err
}
