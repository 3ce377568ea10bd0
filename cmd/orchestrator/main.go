package main

import (
	"context"
	"log"
	"os"

	"github.com/shivamAmrutia/orchestration/internal/api"
	"github.com/shivamAmrutia/orchestration/internal/config"
	"github.com/shivamAmrutia/orchestration/internal/engine"
	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/runner"
	"github.com/shivamAmrutia/orchestration/internal/store"
	"github.com/shivamAmrutia/orchestration/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger.Info("orchestrator: starting",
		"listen_addr", cfg.ListenAddr(),
		"poll_interval", cfg.PollInterval.String(),
		"max_parallel_tasks", cfg.MaxParallelTasks,
		"command_runner", cfg.EnableCommandRunner,
	)

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	broker := events.NewBroker()
	sink := events.Multi{broker}
	if cfg.NATSURL != "" {
		pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
		if err != nil {
			logger.Error("nats unavailable, events stay in-process", "error", err)
		} else {
			defer pub.Close()
			sink = append(sink, pub)
		}
	}

	reg := runner.NewDefaultRegistry(cfg.EnableCommandRunner)
	eng := engine.NewEngine(db, reg, cfg.EngineOptions(sink, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := eng.Resume(ctx); err != nil {
		logger.Error("resume running executions", "error", err)
	}

	reconciler := engine.NewReconciler(db, cfg.Retry, cfg.StaleTaskTimeout, sink, logger)
	go reconciler.Run(ctx)

	srv := api.NewServer(cfg.ListenAddr(), api.Deps{
		Store:     db,
		Workflows: workflow.NewService(db, logger),
		Engine:    eng,
		Registry:  reg,
		Broker:    broker,
	}, logger)

	runErr := srv.Run()

	cancel()
	eng.Shutdown()
	eng.Wait()
	logger.Info("execution loops stopped")

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
