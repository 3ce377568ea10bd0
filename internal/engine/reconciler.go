package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/retry"
	"github.com/shivamAmrutia/orchestration/internal/store"
)

// Reconciler periodically recovers tasks left RUNNING by an executor that
// died or was shut down. A task RUNNING for longer than Timeout counts as a
// failed attempt and goes through the retry policy.
type Reconciler struct {
	store   store.Store
	policy  retry.Policy
	timeout time.Duration
	sink    events.Sink
	logger  *slog.Logger
	now     func() time.Time

	// Interval between sweeps. Defaults to a quarter of the timeout, capped at a minute.
	Interval time.Duration
}

// NewReconciler creates a reconciler. A timeout of zero disables it.
func NewReconciler(s store.Store, policy retry.Policy, timeout time.Duration, sink events.Sink, logger *slog.Logger) *Reconciler {
	if sink == nil {
		sink = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    s,
		policy:   policy.Normalize(),
		timeout:  timeout,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		Interval: min(max(timeout/4, time.Second), time.Minute),
	}
}

// Run sweeps every Interval until ctx is done. Sweep errors are logged and
// the next tick tries again.
func (r *Reconciler) Run(ctx context.Context) {
	if r.timeout <= 0 {
		r.logger.Info("stale task reconciler disabled")
		return
	}
	r.logger.Info("stale task reconciler started", "timeout", r.timeout.String(), "interval", r.Interval.String())

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("stale task sweep failed", "error", err)
			}
		}
	}
}

// Sweep reconciles once and returns the tasks it moved.
func (r *Reconciler) Sweep(ctx context.Context) ([]model.TaskExecution, error) {
	now := r.now()
	tasks, err := r.store.ReconcileStale(ctx, now.Add(-r.timeout), r.policy, now)
	if err != nil {
		return nil, err
	}

	for _, te := range tasks {
		staleReconciled.Inc()
		r.logger.Warn("reconciled stale task",
			"execution_id", te.WorkflowExecutionID,
			"task", te.Name,
			"task_execution_id", te.ID,
			"state", te.State,
			"retry_count", te.RetryCount,
		)

		ev := events.Event{
			Type:            events.TaskRetrying,
			ExecutionID:     te.WorkflowExecutionID,
			TaskExecutionID: te.ID,
			Task:            te.Name,
			State:           te.State,
			Attempt:         te.RetryCount,
			Error:           te.Error,
			Time:            now.UTC(),
		}
		if te.State == model.TaskFailed {
			ev.Type = events.TaskFailed
		}
		r.sink.Publish(ev)
	}
	return tasks, nil
}
