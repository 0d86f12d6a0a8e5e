package agentexec

import (
	"context"
	"time"
)

// Attempt describes one spawn-to-exit cycle of the external process.
type Attempt struct {
	// ExecutionID identifies the logical Execute call.
	ExecutionID string

	// Number is the 1-based attempt number.
	Number int

	// PID is the process identifier, or 0 if spawn failed.
	PID int

	// Binary is the resolved executable path.
	Binary string

	// StartedAt is when the attempt began.
	StartedAt time.Time

	// FinishedAt is when the attempt ended. Zero while running.
	FinishedAt time.Time

	// State is the final process state.
	State ProcessState

	// Err is the classified failure, nil on success.
	Err error
}

// Duration returns how long the attempt ran.
func (a Attempt) Duration() time.Duration {
	if a.FinishedAt.IsZero() {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// Observer receives execution lifecycle notifications.
//
// Calls are made synchronously from the goroutine driving the Execute
// sequence, so implementations must not block.
type Observer interface {
	ExecutionStarted(ctx context.Context, executionID, prompt string)
	AttemptStarted(ctx context.Context, a Attempt)
	AttemptFinished(ctx context.Context, a Attempt)
	Retrying(ctx context.Context, a Attempt, delay time.Duration)
	CircuitRejected(ctx context.Context, executionID string)
	ExecutionFinished(ctx context.Context, executionID string, err error)
}

// BreakerObserver is an optional Observer extension notified when an
// engine's circuit breaker changes state.
type BreakerObserver interface {
	BreakerStateChanged(from, to string)
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

var _ Observer = Observers(nil)

func (obs Observers) ExecutionStarted(ctx context.Context, id, prompt string) {
	for _, o := range obs {
		o.ExecutionStarted(ctx, id, prompt)
	}
}

func (obs Observers) AttemptStarted(ctx context.Context, a Attempt) {
	for _, o := range obs {
		o.AttemptStarted(ctx, a)
	}
}

func (obs Observers) AttemptFinished(ctx context.Context, a Attempt) {
	for _, o := range obs {
		o.AttemptFinished(ctx, a)
	}
}

func (obs Observers) Retrying(ctx context.Context, a Attempt, delay time.Duration) {
	for _, o := range obs {
		o.Retrying(ctx, a, delay)
	}
}

func (obs Observers) CircuitRejected(ctx context.Context, id string) {
	for _, o := range obs {
		o.CircuitRejected(ctx, id)
	}
}

func (obs Observers) ExecutionFinished(ctx context.Context, id string, err error) {
	for _, o := range obs {
		o.ExecutionFinished(ctx, id, err)
	}
}

// BreakerStateChanged forwards to every member implementing BreakerObserver.
func (obs Observers) BreakerStateChanged(from, to string) {
	for _, o := range obs {
		if bo, ok := o.(BreakerObserver); ok {
			bo.BreakerStateChanged(from, to)
		}
	}
}
