package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shivamAmrutia/orchestration/internal/model"
)

const pipelineBody = `{
	"name": "ci_pipeline",
	"description": "build, test and deploy",
	"tasks": [
		{"name": "build", "type": "build", "config": {"command": "npm run build", "timeout": 300000}},
		{"name": "test", "type": "test", "config": {"command": "npm test"}, "maxRetries": 1},
		{"name": "deploy", "type": "deploy"}
	],
	"dependencies": [
		{"from": "test", "to": "build"},
		{"from": "deploy", "to": "test"}
	]
}`

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func createTestWorkflow(t *testing.T, ts *httptest.Server, body string) model.WorkflowDefinition {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var def model.WorkflowDefinition
	if err := json.NewDecoder(resp.Body).Decode(&def); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return def
}

func TestCreateWorkflowValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	def := createTestWorkflow(t, ts, pipelineBody)

	if len(def.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(def.ID))
	}
	if def.Name != "ci_pipeline" || def.Version != 1 {
		t.Errorf("Name/Version = %q/%d", def.Name, def.Version)
	}
	if len(def.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(def.Tasks))
	}
	test := def.Tasks[1]
	if test.Name != "test" || len(test.DependsOn) != 1 || test.DependsOn[0].Name != "build" {
		t.Errorf("test task = %+v, want dependency on build", test)
	}
	if test.MaxRetries == nil || *test.MaxRetries != 1 {
		t.Errorf("test maxRetries = %v, want 1", test.MaxRetries)
	}
	if len(def.Tasks[0].DependsOn) != 0 {
		t.Errorf("build dependsOn = %v, want none", def.Tasks[0].DependsOn)
	}
}

func TestCreateWorkflowRejected(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"invalid JSON", "not json", http.StatusBadRequest},
		{"missing name", `{"tasks":[{"name":"a","type":"x"}]}`, http.StatusBadRequest},
		{"missing type", `{"name":"w","tasks":[{"name":"a"}]}`, http.StatusBadRequest},
		{"unknown dependency", `{"name":"w","tasks":[{"name":"a","type":"x"}],"dependencies":[{"from":"a","to":"ghost"}]}`, http.StatusBadRequest},
		{"self dependency", `{"name":"w","tasks":[{"name":"a","type":"x"}],"dependencies":[{"from":"a","to":"a"}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			resp := postJSON(t, ts.URL+"/api/", tt.body)
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var errResp map[string]any
			json.NewDecoder(resp.Body).Decode(&errResp)
			if errResp["error"] == "" || errResp["error"] == nil {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestCreateWorkflowCycle(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"name":"loop","tasks":[{"name":"a","type":"x"},{"name":"b","type":"x"},{"name":"c","type":"x"}],
		"dependencies":[{"from":"a","to":"b"},{"from":"b","to":"c"},{"from":"c","to":"a"}]}`
	resp := postJSON(t, ts.URL+"/api/", body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var errResp validationErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(errResp.Cycle) < 3 {
		t.Errorf("cycle = %v, want the offending path", errResp.Cycle)
	}

	list, err := http.Get(ts.URL + "/api/")
	if err != nil {
		t.Fatalf("GET /api/: %v", err)
	}
	defer list.Body.Close()
	var listResp listWorkflowsResponse
	json.NewDecoder(list.Body).Decode(&listResp)
	if listResp.Total != 0 {
		t.Errorf("total = %d after rejected create, want 0", listResp.Total)
	}
}

func TestCreateWorkflowDuplicateName(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	createTestWorkflow(t, ts, pipelineBody)

	resp := postJSON(t, ts.URL+"/api/", pipelineBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestGetWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := createTestWorkflow(t, ts, pipelineBody)

	resp, err := http.Get(ts.URL + "/api/" + created.ID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got model.WorkflowDefinition
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != created.ID || len(got.Tasks) != 3 {
		t.Errorf("got %s with %d tasks", got.ID, len(got.Tasks))
	}
	if deploy := got.Tasks[2]; len(deploy.DependsOn) != 1 || deploy.DependsOn[0].Name != "test" {
		t.Errorf("deploy dependsOn = %v, want test", deploy.DependsOn)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListWorkflowsPagination(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for i := range 5 {
		createTestWorkflow(t, ts, fmt.Sprintf(`{"name":"wf-%d","tasks":[{"name":"a","type":"noop"}]}`, i))
	}

	resp, err := http.Get(ts.URL + "/api/?limit=2&offset=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var listResp listWorkflowsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listResp.Total != 5 {
		t.Errorf("total = %d, want 5", listResp.Total)
	}
	if len(listResp.Workflows) != 2 {
		t.Errorf("workflows = %d, want 2", len(listResp.Workflows))
	}
	if listResp.Limit != 2 || listResp.Offset != 1 {
		t.Errorf("limit/offset = %d/%d, want 2/1", listResp.Limit, listResp.Offset)
	}
}

func TestListWorkflowsEmpty(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/?limit=1000")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	json.NewDecoder(resp.Body).Decode(&raw)
	if string(raw["workflows"]) != "[]" {
		t.Errorf("workflows = %s, want []", raw["workflows"])
	}
	if string(raw["limit"]) != "20" {
		t.Errorf("limit = %s, want clamped to 20", raw["limit"])
	}
}

// waitForExecution polls the execution endpoint until it reports expected.
func waitForExecution(t *testing.T, ts *httptest.Server, id string, expected model.WorkflowStatus) model.WorkflowExecution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var exec model.WorkflowExecution
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/executions/" + id)
		if err != nil {
			t.Fatalf("GET execution: %v", err)
		}
		exec = model.WorkflowExecution{}
		json.NewDecoder(resp.Body).Decode(&exec)
		resp.Body.Close()
		if exec.Status == expected {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach %s, last status %s", id, expected, exec.Status)
	return exec
}

func runTestWorkflow(t *testing.T, ts *httptest.Server, workflowID string) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/"+workflowID+"/run", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var run runWorkflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Message == "" || len(run.ExecutionID) != 26 {
		t.Fatalf("run response = %+v", run)
	}
	return run.ExecutionID
}

func TestRunWorkflowCompletes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	def := createTestWorkflow(t, ts, pipelineBody)
	execID := runTestWorkflow(t, ts, def.ID)

	exec := waitForExecution(t, ts, execID, model.StatusCompleted)
	if exec.WorkflowID != def.ID || exec.CompletedAt == nil {
		t.Errorf("execution = %+v", exec)
	}
	for _, te := range exec.Tasks {
		if te.State != model.TaskCompleted {
			t.Errorf("%s = %s, want COMPLETED", te.Name, te.State)
		}
	}
}

func TestRunWorkflowFailure(t *testing.T) {
	fail := failingRunner{task: "build"}
	srv := newTestServerWithRunner(t, fail)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	def := createTestWorkflow(t, ts, pipelineBody)
	exec := waitForExecution(t, ts, runTestWorkflow(t, ts, def.ID), model.StatusFailed)

	states := make(map[string]model.TaskState)
	for _, te := range exec.Tasks {
		states[te.Name] = te.State
	}
	want := map[string]model.TaskState{
		"build":  model.TaskFailed,
		"test":   model.TaskBlocked,
		"deploy": model.TaskBlocked,
	}
	for name, state := range want {
		if states[name] != state {
			t.Errorf("%s = %s, want %s", name, states[name], state)
		}
	}
}

func TestRunWorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/nonexistent/run", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
