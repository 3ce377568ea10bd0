// runworkflow creates one execution of WORKFLOW_ID and drives it to a
// terminal status in the foreground. It exits 0 when the execution finished,
// whatever its status, and 1 on configuration or infrastructure errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shivamAmrutia/orchestration/internal/config"
	"github.com/shivamAmrutia/orchestration/internal/engine"
	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/runner"
	"github.com/shivamAmrutia/orchestration/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("workflow run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.WorkflowID == "" {
		return errors.New("WORKFLOW_ID is required")
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var sink events.Sink = events.Discard
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			logger.Warn("nats unavailable, events are not published", "error", err)
		} else {
			defer pub.Close()
			sink = pub
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec, err := db.CreateExecution(ctx, cfg.WorkflowID, cfg.Retry.MaxRetries, time.Now())
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	logger.Info("execution created",
		"execution_id", exec.ID,
		"workflow_id", cfg.WorkflowID,
		"tasks", len(exec.Tasks),
	)

	x := engine.NewExecutor(db, runner.NewDefaultRegistry(cfg.EnableCommandRunner), cfg.EngineOptions(sink, logger))
	status, err := x.Run(ctx, exec.ID)
	if err != nil {
		return fmt.Errorf("execution %s: %w", exec.ID, err)
	}

	final, err := db.GetExecution(context.Background(), exec.ID)
	if err != nil {
		return fmt.Errorf("load final state: %w", err)
	}
	for _, te := range final.Tasks {
		logger.Info("task result",
			"task", te.Name,
			"state", te.State,
			"retry_count", te.RetryCount,
			"error", te.Error,
		)
	}
	logger.Info("workflow execution finished", "execution_id", exec.ID, "status", status)
	return nil
}
