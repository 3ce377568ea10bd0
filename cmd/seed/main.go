// seed creates the ci_pipeline demo workflow (build, then test, then deploy)
// and prints its ID for use with runworkflow. Rerunning it prints the ID of
// the workflow already stored.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/shivamAmrutia/orchestration/internal/config"
	"github.com/shivamAmrutia/orchestration/internal/graph"
	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/store"
	"github.com/shivamAmrutia/orchestration/internal/workflow"
)

func ciPipeline() workflow.CreateRequest {
	return workflow.CreateRequest{
		Name:        "ci_pipeline",
		Description: "build, test and deploy",
		Tasks: []workflow.TaskSpec{
			{Name: "build", Type: "build", Config: json.RawMessage(`{"command":"npm run build","timeout":300000}`)},
			{Name: "test", Type: "test", Config: json.RawMessage(`{"command":"npm test","timeout":60000}`)},
			{Name: "deploy", Type: "deploy", Config: json.RawMessage(`{"command":"npm run deploy","environment":"production"}`)},
		},
		Dependencies: []graph.Edge{
			{From: "test", To: "build"},
			{From: "deploy", To: "test"},
		},
	}
}

// seed creates the pipeline, or returns the stored one when the name is taken.
// created reports which of the two happened.
func seed(ctx context.Context, svc *workflow.Service) (def *model.WorkflowDefinition, created bool, err error) {
	req := ciPipeline()
	def, err = svc.Create(ctx, req)
	if errors.Is(err, store.ErrConflict) {
		def, err = svc.GetByName(ctx, req.Name)
		if err != nil {
			return nil, false, fmt.Errorf("load existing workflow %q: %w", req.Name, err)
		}
		return def, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create workflow: %w", err)
	}
	return def, true, nil
}

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	def, created, err := seed(context.Background(), workflow.NewService(db, logger))
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	if !created {
		logger.Info("workflow already seeded", "workflow_id", def.ID, "name", def.Name)
	}

	fmt.Printf("WORKFLOW_ID=%s\n", def.ID)
	fmt.Printf("run it with: DATABASE_URL=%s WORKFLOW_ID=%s go run ./cmd/runworkflow\n", cfg.DatabaseURL, def.ID)
}
