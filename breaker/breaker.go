// Package breaker implements a consecutive-failure circuit breaker.
//
// A Breaker starts Closed. After FailureThreshold consecutive failures it
// opens and refuses admission until RecoveryTimeout has elapsed since the
// last failure. The next admission check then moves it to HalfOpen, which
// admits one trial at a time; SuccessThreshold consecutive trial successes
// close it again and any trial failure reopens it.
//
// Transitions are lazy: nothing happens on a timer, only inside Allow,
// OnSuccess, and OnFailure. A nil *Breaker admits everything.
package breaker

import (
	"sync"
	"time"

	"github.com/dmora/agentexec"
)

// State is the breaker's position in its state machine.
type State string

// Breaker states.
const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Snapshot is a read-only view of a breaker's counters.
type Snapshot struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailure          time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now. Tests use it to step through recovery
// windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a callback invoked after every transition.
// It runs outside the breaker's lock.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg      agentexec.CircuitBreakerConfig
	now      func() time.Time
	onChange func(from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	lastFailure   time.Time
	trialInFlight bool
}

// New returns a Closed breaker. A nil cfg disables the breaker and New
// returns nil, which is a valid always-admitting *Breaker.
func New(cfg *agentexec.CircuitBreakerConfig, opts ...Option) *Breaker {
	if cfg == nil {
		return nil
	}
	b := &Breaker{
		cfg:   *cfg,
		now:   time.Now,
		state: Closed,
	}
	if b.cfg.FailureThreshold < 1 {
		b.cfg.FailureThreshold = 1
	}
	if b.cfg.SuccessThreshold < 1 {
		b.cfg.SuccessThreshold = 1
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether an attempt may proceed. An admitted HalfOpen
// trial must be followed by OnSuccess or OnFailure.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	from, to := b.state, b.state
	allowed := true
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) < b.cfg.RecoveryTimeout {
			allowed = false
			break
		}
		b.state = HalfOpen
		b.successes = 0
		b.trialInFlight = true
		to = HalfOpen
	case HalfOpen:
		if b.trialInFlight {
			allowed = false
			break
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()
	b.notify(from, to)
	return allowed
}

// OnSuccess records a successful attempt.
func (b *Breaker) OnSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	from, to := b.state, b.state
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
			to = Closed
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// OnFailure records a failed attempt.
func (b *Breaker) OnFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	from, to := b.state, b.state
	now := b.now()
	switch b.state {
	case Closed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			to = Open
		}
	case HalfOpen:
		b.trialInFlight = false
		b.state = Open
		b.failures = b.cfg.FailureThreshold
		b.successes = 0
		b.lastFailure = now
		to = Open
	case Open:
		b.lastFailure = now
	}
	b.mu.Unlock()
	b.notify(from, to)
}

// Abandon releases an admitted HalfOpen trial without recording an
// outcome, for attempts the caller gave up on before they finished.
func (b *Breaker) Abandon() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// State returns the current state without triggering a lazy transition.
func (b *Breaker) State() State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{State: Closed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		LastFailure:          b.lastFailure,
	}
}

// RetryAfter returns how long an Open breaker keeps refusing admission.
// It is zero in any other state.
func (b *Breaker) RetryAfter() time.Duration {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(b.cfg.RecoveryTimeout-b.now().Sub(b.lastFailure), 0)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
