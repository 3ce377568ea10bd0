package runner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Noop succeeds immediately.
type Noop struct{}

func (Noop) Run(ctx context.Context, task Task) error {
	task.logf(fmt.Sprintf("%s: nothing to do", task.Name))
	return ctx.Err()
}

func (Noop) Describe() string { return "succeeds immediately" }

// DefaultSimulatedDuration is how long a simulated task takes when its config
// does not say.
const DefaultSimulatedDuration = time.Second

// SimulatedConfig is the config accepted by Simulated.
type SimulatedConfig struct {
	DurationMS  *int    `json:"durationMs,omitempty"`
	FailureRate float64 `json:"failureRate,omitempty"`
}

// Simulated sleeps for the configured duration and then fails with the
// configured probability. It stands in for real work in demos and tests.
type Simulated struct {
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

func (s Simulated) Run(ctx context.Context, task Task) error {
	var cfg SimulatedConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return fmt.Errorf("decode simulated config: %w", err)
	}
	d := DefaultSimulatedDuration
	if cfg.DurationMS != nil {
		d = time.Duration(*cfg.DurationMS) * time.Millisecond
	}

	task.logf(fmt.Sprintf("running %s (attempt %d)", task.Name, task.Attempt))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	r := rand.Float64
	if s.Rand != nil {
		r = s.Rand
	}
	if cfg.FailureRate > 0 && r() < cfg.FailureRate {
		return fmt.Errorf("%s failed", task.Name)
	}
	task.logf(fmt.Sprintf("finished %s", task.Name))
	return nil
}

func (Simulated) Describe() string {
	return "sleeps for config.durationMs, fails with probability config.failureRate"
}
