package cli

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/breaker"
	"github.com/dmora/agentexec/registry"
)

// Default engine configuration values.
const (
	DefaultLineBuffer    = 100
	DefaultScannerBuffer = 16 << 20 // 16 MiB
	DefaultGracePeriod   = 5 * time.Second
	DefaultExitDrain     = time.Second
)

// EngineOptions holds resolved construction-time configuration for a CLI engine.
// Use NewEngine with EngineOption functions to customize these values.
type EngineOptions struct {
	// LineBuffer is the channel buffer size between the pipe readers and
	// the consumer of a Supervisor's line sequence.
	LineBuffer int

	// ScannerBuffer is the maximum line size in bytes for stdout and stderr.
	// A longer line kills the process group and fails the attempt with
	// ClassProcess.
	ScannerBuffer int

	// GracePeriod is the duration to wait after SIGTERM before sending SIGKILL.
	GracePeriod time.Duration

	// ExitDrain bounds how long output is still read after the process
	// exits while descendants keep its pipes open. Those descendants are
	// killed when it elapses.
	ExitDrain time.Duration

	// Registry tracks spawned processes. Defaults to registry.Shared().
	Registry *registry.Registry

	// Breaker, when set, is shared by every Execute call of the engine and
	// overrides ExecutionOptions.CircuitBreaker. Share one Breaker across
	// engines for process-wide gating.
	Breaker *breaker.Breaker

	// Logger receives engine and supervisor logs. Defaults to zerolog.Nop().
	Logger zerolog.Logger

	// Observer receives lifecycle notifications. May be nil.
	Observer agentexec.Observer
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*EngineOptions)

// WithLineBuffer sets the buffer size between pipe readers and the consumer.
// Values <= 0 are ignored.
func WithLineBuffer(size int) EngineOption {
	return func(o *EngineOptions) {
		if size > 0 {
			o.LineBuffer = size
		}
	}
}

// WithScannerBuffer sets the maximum line size in bytes for the output scanners.
// The buffer grows on demand up to size. A line longer than size kills the
// process group and fails the attempt as a fatal ClassProcess error, so
// size must cover the largest single JSON event the backend emits.
// Values <= 0 are ignored.
func WithScannerBuffer(size int) EngineOption {
	return func(o *EngineOptions) {
		if size > 0 {
			o.ScannerBuffer = size
		}
	}
}

// WithGracePeriod sets the duration to wait after SIGTERM before sending SIGKILL.
// Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) EngineOption {
	return func(o *EngineOptions) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithExitDrain sets how long output is still read after the process has
// exited while descendants hold its pipes open. Values <= 0 are ignored.
func WithExitDrain(d time.Duration) EngineOption {
	return func(o *EngineOptions) {
		if d > 0 {
			o.ExitDrain = d
		}
	}
}

// WithRegistry replaces the shared process registry. Tests use a private
// registry to assert on stats in isolation.
func WithRegistry(r *registry.Registry) EngineOption {
	return func(o *EngineOptions) {
		if r != nil {
			o.Registry = r
		}
	}
}

// WithBreaker installs a circuit breaker shared by every Execute call.
func WithBreaker(b *breaker.Breaker) EngineOption {
	return func(o *EngineOptions) { o.Breaker = b }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(o *EngineOptions) { o.Logger = l }
}

// WithObserver adds a lifecycle observer. Repeated calls accumulate.
func WithObserver(obs agentexec.Observer) EngineOption {
	return func(o *EngineOptions) {
		switch {
		case obs == nil:
		case o.Observer == nil:
			o.Observer = obs
		default:
			o.Observer = agentexec.Observers{o.Observer, obs}
		}
	}
}

func resolveEngineOptions(opts ...EngineOption) EngineOptions {
	o := EngineOptions{
		LineBuffer:    DefaultLineBuffer,
		ScannerBuffer: DefaultScannerBuffer,
		GracePeriod:   DefaultGracePeriod,
		ExitDrain:     DefaultExitDrain,
		Logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Registry == nil {
		o.Registry = registry.Shared()
	}
	if o.Observer == nil {
		o.Observer = agentexec.Observers(nil)
	}
	return o
}
