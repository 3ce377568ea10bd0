package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/retry"
	"github.com/shivamAmrutia/orchestration/internal/runner"
	"github.com/shivamAmrutia/orchestration/internal/store"
)

// DefaultPollInterval is how long the loop waits between rounds.
const DefaultPollInterval = time.Second

// Options configure an execution loop.
type Options struct {
	// PollInterval is the wait between rounds of the loop.
	PollInterval time.Duration
	// MaxParallel bounds the tasks of one round that run at once. Zero means
	// no bound.
	MaxParallel int
	Retry       retry.Policy
	// Owner identifies this executor in task claims. Empty generates a UUID.
	Owner  string
	Sink   events.Sink
	Logger *slog.Logger
	// Now is the clock. Nil uses time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.MaxParallel < 0 {
		o.MaxParallel = 0
	}
	o.Retry = o.Retry.Normalize()
	if o.Owner == "" {
		o.Owner = uuid.NewString()
	}
	if o.Sink == nil {
		o.Sink = events.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Executor runs the execution loop for persisted executions. One Executor
// can drive many executions concurrently; each call to Run owns one.
type Executor struct {
	store  store.Store
	runner runner.Runner
	opts   Options
}

// NewExecutor creates an executor that runs tasks through r.
func NewExecutor(s store.Store, r runner.Runner, opts Options) *Executor {
	return &Executor{store: s, runner: r, opts: opts.withDefaults()}
}

// Owner returns the identity written into task claims.
func (x *Executor) Owner() string {
	return x.opts.Owner
}

// Run drives an execution until its status is terminal and returns that
// status. Task failures never end the loop; they go through the retry
// policy. A store error or ctx cancellation stops it and is returned.
func (x *Executor) Run(ctx context.Context, executionID string) (model.WorkflowStatus, error) {
	logger := x.opts.Logger.With("execution_id", executionID)
	logger.Info("execution loop started", "owner", x.opts.Owner)

	var last model.WorkflowStatus
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		ready, err := x.store.ReadyTasks(ctx, executionID, x.opts.Now())
		if err != nil {
			return last, fmt.Errorf("resolve ready tasks: %w", err)
		}
		if len(ready) > 0 {
			logger.Debug("dispatching ready tasks", "count", len(ready))
			if err := x.dispatch(ctx, executionID, ready); err != nil {
				return last, err
			}
		}

		status, err := x.store.RecomputeStatus(ctx, executionID, x.opts.Now())
		if err != nil {
			return last, fmt.Errorf("recompute status: %w", err)
		}
		if status != last {
			x.publish(events.Event{Type: events.ExecutionStatus, ExecutionID: executionID, Status: status})
			last = status
		}
		if status.Terminal() {
			executionsFinished.WithLabelValues(string(status)).Inc()
			x.publish(events.Event{Type: events.ExecutionFinished, ExecutionID: executionID, Status: status})
			logger.Info("execution finished", "status", status)
			return status, nil
		}

		if err := sleep(ctx, x.opts.PollInterval); err != nil {
			return last, err
		}
	}
}

// dispatch runs one round of ready tasks concurrently and waits for all of them.
func (x *Executor) dispatch(ctx context.Context, executionID string, ready []model.TaskExecution) error {
	g, gctx := errgroup.WithContext(ctx)
	if x.opts.MaxParallel > 0 {
		g.SetLimit(x.opts.MaxParallel)
	}
	for _, te := range ready {
		g.Go(func() error {
			return x.runTask(gctx, executionID, te)
		})
	}
	return g.Wait()
}

// runTask claims te, runs it and records the outcome. It returns an error
// only for store failures and cancellation.
func (x *Executor) runTask(ctx context.Context, executionID string, te model.TaskExecution) error {
	logger := x.opts.Logger.With(
		"execution_id", executionID,
		"task", te.Name,
		"task_execution_id", te.ID,
	)

	err := x.store.ClaimTask(ctx, te.ID, te.State, x.opts.Owner, x.opts.Now())
	if errors.Is(err, store.ErrStaleState) {
		claimConflicts.Inc()
		logger.Debug("claim lost to another executor", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task %s: %w", te.Name, err)
	}

	attempt := te.RetryCount + 1
	logger.Info("task started", "attempt", attempt)
	x.publish(events.Event{
		Type:            events.TaskClaimed,
		ExecutionID:     executionID,
		TaskExecutionID: te.ID,
		Task:            te.Name,
		State:           model.TaskRunning,
		Attempt:         attempt,
	})

	start := time.Now()
	runErr := x.invoke(ctx, executionID, te, attempt)
	taskDuration.Observe(time.Since(start).Seconds())

	// Leave the task RUNNING on shutdown; the reconciler recovers it.
	if err := ctx.Err(); err != nil {
		return err
	}

	if runErr == nil {
		res, err := x.store.CompleteTask(ctx, te.ID, x.opts.Owner, x.opts.Now())
		if errors.Is(err, store.ErrStaleState) {
			claimConflicts.Inc()
			logger.Warn("task finished after its claim was taken over", "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete task %s: %w", te.Name, err)
		}
		taskOutcomes.WithLabelValues("completed").Inc()
		logger.Info("task completed", "attempt", attempt, "duration_ms", time.Since(start).Milliseconds())
		x.publishTransition(executionID, res)
	} else {
		msg := runErr.Error()
		var tre *TaskRunError
		if errors.As(runErr, &tre) {
			msg = tre.Err.Error()
		}

		res, err := x.store.FailTask(ctx, te.ID, x.opts.Owner, msg, x.opts.Retry, x.opts.Now())
		if errors.Is(err, store.ErrStaleState) {
			claimConflicts.Inc()
			logger.Warn("task failed after its claim was taken over", "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail task %s: %w", te.Name, err)
		}

		switch res.Task.State {
		case model.TaskRetrying:
			taskOutcomes.WithLabelValues("retrying").Inc()
			logger.Warn("task attempt failed, will retry",
				"attempt", attempt,
				"retry_count", res.Task.RetryCount,
				"max_retries", res.Task.MaxRetries,
				"next_retry_at", res.Task.NextRetryAt,
				"error", msg,
			)
		case model.TaskFailed:
			taskOutcomes.WithLabelValues("failed").Inc()
			logger.Error("task failed permanently",
				"attempt", attempt,
				"retry_count", res.Task.RetryCount,
				"error", msg,
			)
		}
		x.publishTransition(executionID, res)
	}

	if _, err := x.store.RecomputeStatus(ctx, executionID, x.opts.Now()); err != nil {
		return fmt.Errorf("recompute status: %w", err)
	}
	return nil
}

// invoke runs one attempt, turning runner errors and panics into *TaskRunError.
func (x *Executor) invoke(ctx context.Context, executionID string, te model.TaskExecution, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TaskRunError{Task: te.Name, Attempt: attempt, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	task := runner.Task{
		ExecutionID:     executionID,
		TaskExecutionID: te.ID,
		Name:            te.Name,
		Type:            te.Type,
		Config:          te.Config,
		Attempt:         attempt,
		Log: func(line string) {
			x.publish(events.Event{
				Type:            events.TaskLog,
				ExecutionID:     executionID,
				TaskExecutionID: te.ID,
				Task:            te.Name,
				Attempt:         attempt,
				Line:            line,
			})
		},
	}
	if err := x.runner.Run(ctx, task); err != nil {
		return &TaskRunError{Task: te.Name, Attempt: attempt, Err: err}
	}
	return nil
}

func (x *Executor) publishTransition(executionID string, res *store.TransitionResult) {
	te := res.Task
	ev := events.Event{
		ExecutionID:     executionID,
		TaskExecutionID: te.ID,
		Task:            te.Name,
		State:           te.State,
		Attempt:         te.RetryCount,
		Error:           te.Error,
	}
	switch te.State {
	case model.TaskCompleted:
		ev.Type = events.TaskCompleted
		ev.Attempt = te.RetryCount + 1
		ev.Error = ""
	case model.TaskRetrying:
		ev.Type = events.TaskRetrying
	case model.TaskFailed:
		ev.Type = events.TaskFailed
	}
	x.publish(ev)
	x.publishBlocked(executionID, res.Blocked)
}

func (x *Executor) publishBlocked(executionID string, blocked []model.TaskExecution) {
	for _, b := range blocked {
		x.publish(events.Event{
			Type:            events.TaskBlocked,
			ExecutionID:     executionID,
			TaskExecutionID: b.ID,
			Task:            b.Name,
			State:           model.TaskBlocked,
		})
	}
}

func (x *Executor) publish(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = x.opts.Now().UTC()
	}
	x.opts.Sink.Publish(ev)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
