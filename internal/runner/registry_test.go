package runner_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shivamAmrutia/orchestration/internal/runner"
)

func TestRegistryRegisterAndList(t *testing.T) {
	reg := runner.NewRegistry()
	reg.Register("simulated", runner.Simulated{})
	reg.Register("noop", runner.Noop{})
	reg.Register("custom", runner.Func(func(context.Context, runner.Task) error { return nil }))

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d types, want 3", len(list))
	}
	for i, want := range []string{"custom", "noop", "simulated"} {
		if list[i].Type != want {
			t.Errorf("List()[%d] = %q, want %q", i, list[i].Type, want)
		}
	}
	if list[0].Description != "" {
		t.Errorf("Func description = %q, want empty", list[0].Description)
	}
	if list[1].Description == "" {
		t.Error("Noop has no description")
	}
}

func TestRegistryRunDispatchesByType(t *testing.T) {
	reg := runner.NewRegistry()
	var got string
	reg.Register("build", runner.Func(func(_ context.Context, task runner.Task) error {
		got = task.Name
		return nil
	}))

	if err := reg.Run(context.Background(), runner.Task{Name: "compile", Type: "build"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "compile" {
		t.Errorf("runner saw task %q, want compile", got)
	}
}

func TestRegistryUnknownTypeWithoutFallback(t *testing.T) {
	reg := runner.NewRegistry()
	if err := reg.Run(context.Background(), runner.Task{Type: "mystery"}); err == nil {
		t.Error("expected error for unregistered task type, got nil")
	}
}

func TestRegistryFallback(t *testing.T) {
	reg := runner.NewRegistry()
	sentinel := errors.New("fallback ran")
	reg.SetFallback(runner.Func(func(context.Context, runner.Task) error { return sentinel }))

	if err := reg.Run(context.Background(), runner.Task{Type: "mystery"}); !errors.Is(err, sentinel) {
		t.Errorf("Run = %v, want fallback error", err)
	}
	if len(reg.List()) != 0 {
		t.Error("fallback should not appear in List()")
	}
}

func TestDefaultRegistry(t *testing.T) {
	tests := []struct {
		name          string
		enableCommand bool
		want          []string
	}{
		{"without command", false, []string{"noop", "simulated"}},
		{"with command", true, []string{"command", "noop", "simulated"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := runner.NewDefaultRegistry(tt.enableCommand)
			var got []string
			for _, info := range reg.List() {
				got = append(got, info.Type)
				if info.Description == "" {
					t.Errorf("%s has no description", info.Type)
				}
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("types = %v, want %v", got, tt.want)
			}
			if _, err := reg.Resolve("deploy"); err != nil {
				t.Errorf("unknown type should fall back: %v", err)
			}
		})
	}
}
