package engine_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/shivamAmrutia/orchestration/internal/engine"
	"github.com/shivamAmrutia/orchestration/internal/events"
	"github.com/shivamAmrutia/orchestration/internal/model"
)

func memoryPipeline() engine.MemoryWorkflow {
	return engine.MemoryWorkflow{
		Name: "ci_pipeline",
		Tasks: []engine.MemoryTask{
			{Name: "build", Type: "build"},
			{Name: "test", Type: "test", DependsOn: []string{"build"}},
			{Name: "deploy", Type: "deploy", DependsOn: []string{"test"}},
		},
	}
}

func runInMemory(t *testing.T, wf engine.MemoryWorkflow, rec *orderRecorder, opts engine.Options) (*engine.MemoryResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return engine.RunInMemory(ctx, wf, rec, opts)
}

func memTask(t *testing.T, res *engine.MemoryResult, name string) model.TaskExecution {
	t.Helper()
	te, ok := res.Task(name)
	if !ok {
		t.Fatalf("task %q missing from result", name)
	}
	return te
}

func TestRunInMemoryCompletes(t *testing.T) {
	rec := newOrderRecorder()
	res, err := runInMemory(t, memoryPipeline(), rec, testOptions(3))
	if err != nil {
		t.Fatalf("RunInMemory: %v", err)
	}
	if res.Status != model.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", res.Status)
	}
	if got := strings.Join(rec.Order(), ","); got != "build,test,deploy" {
		t.Errorf("order = %s, want build,test,deploy", got)
	}
	for _, te := range res.Tasks {
		if te.State != model.TaskCompleted || te.CompletedAt == nil {
			t.Errorf("%s = %s, want COMPLETED with completedAt", te.Name, te.State)
		}
	}
}

func TestRunInMemoryFailureBlocksDependents(t *testing.T) {
	rec := newOrderRecorder()
	rec.fail["build"] = -1
	sink := &recordingSink{}
	opts := testOptions(1)
	opts.Sink = sink

	res, err := runInMemory(t, memoryPipeline(), rec, opts)
	if err != nil {
		t.Fatalf("RunInMemory: %v", err)
	}
	if res.Status != model.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if build := memTask(t, res, "build"); build.State != model.TaskFailed || build.RetryCount != 2 {
		t.Errorf("build = %s retry %d, want FAILED retry 2", build.State, build.RetryCount)
	}
	for _, name := range []string{"test", "deploy"} {
		if te := memTask(t, res, name); te.State != model.TaskBlocked {
			t.Errorf("%s = %s, want BLOCKED", name, te.State)
		}
	}

	types := sink.types()
	if !slices.Contains(types, events.TaskRetrying) || !slices.Contains(types, events.TaskFailed) {
		t.Errorf("events %v missing retrying or failed", types)
	}
	if types[len(types)-1] != events.ExecutionFinished {
		t.Errorf("last event = %s, want execution.finished", types[len(types)-1])
	}
}

func TestRunInMemoryTaskRetryOverride(t *testing.T) {
	zero := 0
	wf := memoryPipeline()
	wf.Tasks[1].MaxRetries = &zero

	rec := newOrderRecorder()
	rec.fail["test"] = 1
	res, err := runInMemory(t, wf, rec, testOptions(3))
	if err != nil {
		t.Fatalf("RunInMemory: %v", err)
	}
	if res.Status != model.StatusFailed {
		t.Errorf("status = %s, want FAILED", res.Status)
	}
	if te := memTask(t, res, "test"); te.State != model.TaskFailed || te.RetryCount != 1 {
		t.Errorf("test = %s retry %d, want FAILED retry 1", te.State, te.RetryCount)
	}
}

func TestRunInMemoryDetectsDeadlock(t *testing.T) {
	wf := engine.MemoryWorkflow{
		Name: "cyclic",
		Tasks: []engine.MemoryTask{
			{Name: "a", Type: "x", DependsOn: []string{"b"}},
			{Name: "b", Type: "x", DependsOn: []string{"a"}},
			{Name: "c", Type: "x"},
		},
	}
	rec := newOrderRecorder()
	res, err := runInMemory(t, wf, rec, testOptions(0))
	if !errors.Is(err, engine.ErrDeadlock) {
		t.Fatalf("err = %v, want ErrDeadlock", err)
	}
	var dl *engine.DeadlockError
	if !errors.As(err, &dl) {
		t.Fatalf("err = %T, want *DeadlockError", err)
	}
	if got := strings.Join(dl.Tasks, ","); got != "a,b" {
		t.Errorf("deadlocked tasks = %s, want a,b", got)
	}
	if res == nil || memTask(t, res, "c").State != model.TaskCompleted {
		t.Error("independent task c should have completed before the deadlock was reported")
	}
	if res.Status != model.StatusFailed {
		t.Errorf("status = %s, want FAILED for a deadlocked run", res.Status)
	}
	if got := rec.Order(); len(got) != 1 || got[0] != "c" {
		t.Errorf("ran %v, want only c", got)
	}
}

func TestRunInMemoryRejectsBadWorkflows(t *testing.T) {
	tests := []struct {
		name string
		wf   engine.MemoryWorkflow
	}{
		{
			name: "duplicate task",
			wf: engine.MemoryWorkflow{Tasks: []engine.MemoryTask{
				{Name: "a", Type: "x"}, {Name: "a", Type: "x"},
			}},
		},
		{
			name: "unknown dependency",
			wf: engine.MemoryWorkflow{Tasks: []engine.MemoryTask{
				{Name: "a", Type: "x", DependsOn: []string{"ghost"}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := engine.RunInMemory(context.Background(), tt.wf, newOrderRecorder(), testOptions(0)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunInMemoryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.RunInMemory(ctx, memoryPipeline(), newOrderRecorder(), testOptions(0))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
