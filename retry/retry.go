// Package retry decides whether and when a failed attempt is re-run.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/dmora/agentexec"
)

// Option configures a Controller.
type Option func(*Controller)

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(c *Controller) {
		if fn != nil {
			c.rand = fn
		}
	}
}

// Controller applies a RetryStrategy. A Controller built from a nil
// strategy allows exactly one attempt.
type Controller struct {
	strategy agentexec.RetryStrategy
	enabled  bool
	rand     func() float64
}

// New returns a Controller for s.
func New(s *agentexec.RetryStrategy, opts ...Option) *Controller {
	c := &Controller{rand: rand.Float64}
	if s != nil {
		c.strategy = *s
		c.enabled = true
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MaxAttempts returns the total attempt limit, at least 1.
func (c *Controller) MaxAttempts() int {
	if !c.enabled || c.strategy.MaxAttempts < 1 {
		return 1
	}
	return c.strategy.MaxAttempts
}

// ShouldRetry reports whether the attempt with 0-based index attempt,
// which failed with err, is followed by another. Only transient errors
// are retried.
func (c *Controller) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}
	return attempt+1 < c.MaxAttempts() && agentexec.IsTransient(err)
}

// DelayFor returns the wait before the retry that follows the attempt
// with 0-based index attempt: BaseDelay * 2^attempt, capped at MaxDelay,
// then scaled into [0.5, 1.0] of itself when jitter is enabled.
func (c *Controller) DelayFor(attempt int) time.Duration {
	if !c.enabled || c.strategy.BaseDelay <= 0 {
		return 0
	}
	attempt = max(attempt, 0)
	delay := float64(c.strategy.BaseDelay) * math.Pow(2, float64(attempt))
	if c.strategy.MaxDelay > 0 && delay > float64(c.strategy.MaxDelay) {
		delay = float64(c.strategy.MaxDelay)
	}
	if c.strategy.Jitter {
		delay *= 0.5 + 0.5*c.rand()
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if delay >= float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Wait blocks for d or until ctx is done, returning ctx.Err() in the
// latter case.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
