// Package retry decides what happens to a task attempt that failed: another
// attempt after a backoff delay, or terminal failure.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Defaults applied by DefaultPolicy and by Normalize for unset fields.
const (
	DefaultMaxRetries = 3
	DefaultDelay      = 10 * time.Second
	DefaultMaxDelay   = 5 * time.Minute
	DefaultJitter     = 0.1
)

// Policy is a bounded backoff policy. With Multiplier 1 every retry waits
// Delay; larger multipliers grow the delay geometrically up to MaxDelay.
// Jitter adds a random extra of up to Jitter*delay so that tasks failing
// together do not become eligible in the same instant.
type Policy struct {
	MaxRetries int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// Decision is the outcome of applying a Policy to a failed attempt.
type Decision struct {
	// RetryCount is the task's retry count after this failure.
	RetryCount int
	// Terminal is true when the retry budget is exhausted and the task fails for good.
	Terminal bool
	// NextRetryAt is when the task becomes eligible again. Zero if Terminal.
	NextRetryAt time.Time
}

// DefaultPolicy returns three retries with a fixed 10s delay and 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		Delay:      DefaultDelay,
		Multiplier: 1,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     DefaultJitter,
	}
}

// Normalize fills unset or nonsensical fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Delay <= 0 {
		p.Delay = DefaultDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = max(p.Delay, DefaultMaxDelay)
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// WithRand returns a copy of p that draws jitter from fn. Tests use it to
// make jitter deterministic.
func (p Policy) WithRand(fn func() float64) Policy {
	p.rand = fn
	return p
}

// Decide applies the policy to a failure of an attempt that had already been
// retried retryCount times out of maxRetries.
func (p Policy) Decide(retryCount, maxRetries int, now time.Time) Decision {
	next := retryCount + 1
	if next > maxRetries {
		return Decision{RetryCount: next, Terminal: true}
	}
	return Decision{
		RetryCount:  next,
		NextRetryAt: now.Add(p.Backoff(next)),
	}
}

// Backoff returns the delay before the given retry (1-based), including jitter.
// The result never decreases as attempt grows, apart from jitter, and never
// exceeds MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Delay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Jitter > 0 && !math.IsInf(delay, 0) {
		r := rand.Float64
		if p.rand != nil {
			r = p.rand
		}
		delay += delay * p.Jitter * r()
	}
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}
