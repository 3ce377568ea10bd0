package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shivamAmrutia/orchestration/internal/model"
	"github.com/shivamAmrutia/orchestration/internal/runner"
)

// failingRunner fails every attempt of one task and succeeds otherwise.
type failingRunner struct{ task string }

func (f failingRunner) Run(_ context.Context, task runner.Task) error {
	if task.Name == f.task {
		return fmt.Errorf("%s exploded", task.Name)
	}
	return nil
}

func TestGetExecutionNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/executions/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetExecutionIncludesTaskErrors(t *testing.T) {
	srv := newTestServerWithRunner(t, failingRunner{task: "deploy"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	def := createTestWorkflow(t, ts, pipelineBody)
	exec := waitForExecution(t, ts, runTestWorkflow(t, ts, def.ID), model.StatusFailed)

	for _, te := range exec.Tasks {
		switch te.Name {
		case "deploy":
			if te.Error != "deploy exploded" || te.RetryCount != 2 {
				t.Errorf("deploy error=%q retry=%d, want exploded after 2 attempts", te.Error, te.RetryCount)
			}
		default:
			if te.State != model.TaskCompleted {
				t.Errorf("%s = %s, want COMPLETED", te.Name, te.State)
			}
		}
	}
}

func TestListExecutions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	def := createTestWorkflow(t, ts, pipelineBody)
	first := runTestWorkflow(t, ts, def.ID)
	second := runTestWorkflow(t, ts, def.ID)
	waitForExecution(t, ts, first, model.StatusCompleted)
	waitForExecution(t, ts, second, model.StatusCompleted)

	resp, err := http.Get(ts.URL + "/api/" + def.ID + "/executions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var list listExecutionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Total != 2 || len(list.Executions) != 2 {
		t.Errorf("total=%d len=%d, want 2", list.Total, len(list.Executions))
	}
	for _, exec := range list.Executions {
		if exec.WorkflowID != def.ID {
			t.Errorf("execution %s belongs to %s", exec.ID, exec.WorkflowID)
		}
	}
}

func TestListExecutionsUnknownWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/nonexistent/executions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTaskTypes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/task-types")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var types []runner.TypeInfo
	if err := json.NewDecoder(resp.Body).Decode(&types); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(types) != 1 || types[0].Type != "noop" {
		t.Errorf("types = %+v, want [noop]", types)
	}
}
