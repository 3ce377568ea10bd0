package runner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestNoop(t *testing.T) {
	var lines []string
	err := Noop{}.Run(context.Background(), Task{Name: "x", Log: func(l string) { lines = append(lines, l) }})
	if err != nil {
		t.Fatalf("Noop: %v", err)
	}
	if len(lines) != 1 {
		t.Errorf("lines = %v, want one", lines)
	}
}

func TestSimulatedSucceeds(t *testing.T) {
	task := Task{Name: "build", Config: json.RawMessage(`{"durationMs": 5}`)}
	if err := (Simulated{}).Run(context.Background(), task); err != nil {
		t.Fatalf("Simulated: %v", err)
	}
}

func TestSimulatedFailureRate(t *testing.T) {
	task := Task{Name: "flaky", Config: json.RawMessage(`{"durationMs": 0, "failureRate": 0.7}`)}

	if err := (Simulated{Rand: func() float64 { return 0.5 }}).Run(context.Background(), task); err == nil {
		t.Error("draw 0.5 < 0.7 should fail")
	}
	if err := (Simulated{Rand: func() float64 { return 0.9 }}).Run(context.Background(), task); err != nil {
		t.Errorf("draw 0.9 >= 0.7 should succeed: %v", err)
	}
}

func TestSimulatedHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := (Simulated{}).Run(ctx, Task{Config: json.RawMessage(`{"durationMs": 10000}`)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Simulated did not return promptly on cancellation")
	}
}

func TestSimulatedBadConfig(t *testing.T) {
	if err := (Simulated{}).Run(context.Background(), Task{Config: json.RawMessage(`"nope"`)}); err == nil {
		t.Error("expected decode error")
	}
}
