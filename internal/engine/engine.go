package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/runner"
	"github.com/shivamAmrutia/orchestration/internal/store"
)

// Engine runs execution loops in the background, one goroutine per
// execution.
type Engine struct {
	store  store.Store
	exec   *Executor
	logger *slog.Logger
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]struct{}
}

// NewEngine creates an engine whose loops run tasks through r.
func NewEngine(s store.Store, r runner.Runner, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	x := NewExecutor(s, r, opts)
	return &Engine{
		store:   s,
		exec:    x,
		logger:  x.opts.Logger,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Executor returns the executor the engine's loops use.
func (e *Engine) Executor() *Executor {
	return e.exec
}

// Start creates a new execution of the workflow and launches its loop. The
// execution is persisted as RUNNING before Start returns; the loop outlives ctx.
func (e *Engine) Start(ctx context.Context, workflowID string) (*model.WorkflowExecution, error) {
	exec, err := e.store.CreateExecution(ctx, workflowID, e.exec.opts.Retry.MaxRetries, e.exec.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	e.logger.Info("execution created",
		"execution_id", exec.ID,
		"workflow_id", workflowID,
		"tasks", len(exec.Tasks),
	)
	e.launch(exec.ID)
	return exec, nil
}

// Resume launches loops for every execution persisted as RUNNING, such as
// those interrupted by a restart, and returns how many it launched.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	ids, err := e.store.ListExecutionIDsByStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running executions: %w", err)
	}
	n := 0
	for _, id := range ids {
		if e.launch(id) {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("resumed executions", "count", n)
	}
	return n, nil
}

// launch starts the loop for id unless one is already running in this process.
func (e *Engine) launch(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return false
	}
	if _, ok := e.running[id]; ok {
		return false
	}
	e.running[id] = struct{}{}
	activeExecutions.Inc()

	e.wg.Go(func() {
		defer func() {
			e.mu.Lock()
			delete(e.running, id)
			e.mu.Unlock()
			activeExecutions.Dec()
		}()

		_, err := e.exec.Run(e.ctx, id)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			e.logger.Info("execution loop stopped by shutdown", "execution_id", id)
		default:
			loopErrors.Inc()
			e.logger.Error("execution loop failed", "execution_id", id, "error", err)
		}
	})
	return true
}

// Running reports whether a loop for the execution is active in this process.
func (e *Engine) Running(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[executionID]
	return ok
}

// ActiveCount returns how many execution loops are running in this process.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// Shutdown cancels every running loop. Tasks in flight are left RUNNING for
// the reconciler.
func (e *Engine) Shutdown() {
	e.cancel()
}

// Wait blocks until all loops have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}
