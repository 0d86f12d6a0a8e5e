//go:build !windows

package cli

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/breaker"
	"github.com/dmora/agentexec/retry"
)

const tracerName = "github.com/dmora/agentexec/engine/cli"

// Engine is a CLI subprocess engine that adapts a Spawner into an
// agentexec.Executor. It gates attempts through a circuit breaker,
// retries transient failures, and classifies every output line.
type Engine struct {
	backend   Spawner
	formatter InputFormatter
	opts      EngineOptions
	log       zerolog.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	breakers map[agentexec.CircuitBreakerConfig]*breaker.Breaker
	breaker  *breaker.Breaker // most recently used per-instance breaker
	current *Supervisor
	live    []*Supervisor
	cleaned bool
}

// Compile-time interface satisfaction check.
var _ agentexec.Executor = (*Engine)(nil)

// NewEngine creates a CLI engine backed by the given Spawner.
// Use EngineOption functions to customize buffers, grace period, registry,
// breaker, logging, and observers.
func NewEngine(backend Spawner, opts ...EngineOption) *Engine {
	o := resolveEngineOptions(opts...)
	e := &Engine{
		backend: backend,
		opts:    o,
		log:     o.Logger.With().Str("component", "engine").Logger(),
		tracer:  otel.Tracer(tracerName),
	}
	if f, ok := backend.(InputFormatter); ok {
		e.formatter = f
	}
	return e
}

// Validate checks that the backend's binary is available on PATH.
// It recovers from panics in SpawnArgs.
func (e *Engine) Validate() (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = agentexec.Errorf(agentexec.ClassConfig, "SpawnArgs panicked: %v", r)
		}
	}()

	binary, _ := e.backend.SpawnArgs("", agentexec.DefaultExecutionOptions())
	if _, err := exec.LookPath(binary); err != nil {
		return agentexec.NewError(agentexec.ClassNotFound, binary, err)
	}
	return nil
}

// Execute returns the lazy Message sequence for prompt. See
// agentexec.Executor for the contract.
func (e *Engine) Execute(ctx context.Context, prompt string, opts ...agentexec.Option) iter.Seq[agentexec.Message] {
	return func(yield func(agentexec.Message) bool) {
		x := &execution{
			engine: e,
			id:     uuid.NewString(),
			prompt: prompt,
			opts:   agentexec.ResolveOptions(opts...),
			yield:  yield,
		}
		x.run(ctx)
	}
}

// ExecuteSync drives Execute and aggregates the final attempt's stream and
// result content, joined by newlines.
func (e *Engine) ExecuteSync(ctx context.Context, prompt string, opts ...agentexec.Option) (string, error) {
	var (
		parts    []string
		firstErr *agentexec.Message
		terminal *agentexec.Message
	)
	for msg := range e.Execute(ctx, prompt, opts...) {
		switch {
		case isRetryNotice(msg):
			parts, firstErr = nil, nil
		case msg.Kind == agentexec.KindError && msg.Source == agentexec.SourceEngine:
			terminal = &msg
		case msg.Kind == agentexec.KindError:
			if firstErr == nil {
				firstErr = &msg
			}
		case msg.IsOutput() && firstErr == nil:
			parts = append(parts, msg.Content)
		}
	}
	switch {
	case terminal != nil:
		return "", agentexec.ErrorFromMessage(*terminal)
	case firstErr != nil:
		return "", agentexec.ErrorFromMessage(*firstErr)
	}
	return strings.Join(parts, "\n"), nil
}

// Cleanup terminates every process this engine still tracks and
// unregisters their handles. It never fails; termination problems are
// logged.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	live := e.live
	e.live = nil
	e.current = nil
	e.cleaned = true
	e.mu.Unlock()

	for _, s := range live {
		s.Terminate()
		s.Release()
	}
	if len(live) > 0 {
		e.log.Debug().Int("supervisors", len(live)).Msg("cleanup")
	}
}

// ResourceStats returns registry accounting plus the state of the most
// recent process.
func (e *Engine) ResourceStats() agentexec.ResourceStats {
	e.mu.Lock()
	cur, cleaned := e.current, e.cleaned
	e.mu.Unlock()

	state := agentexec.StateIdle
	switch {
	case cur != nil:
		state = cur.State()
	case cleaned:
		state = agentexec.StateTerminated
	}
	st := e.opts.Registry.Stats()
	return agentexec.ResourceStats{
		ProcessState:        state,
		RegisteredResources: st.RegisteredResources,
		TotalResources:      st.TotalResources,
		ByState:             st.ByState,
	}
}

// BreakerState returns the state of the breaker gating this engine, or
// closed when none is configured. With per-call configurations it reports
// the breaker used most recently.
func (e *Engine) BreakerState() breaker.State {
	if e.opts.Breaker != nil {
		return e.opts.Breaker.State()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breaker.State()
}

// breakerFor returns the engine-wide breaker, or the per-instance breaker
// for the call's configuration. Calls sharing a configuration share a
// breaker. Calls without breaker configuration are not gated.
func (e *Engine) breakerFor(o agentexec.ExecutionOptions) *breaker.Breaker {
	if e.opts.Breaker != nil {
		return e.opts.Breaker
	}
	if o.CircuitBreaker == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := *o.CircuitBreaker
	b, ok := e.breakers[cfg]
	if !ok {
		if e.breakers == nil {
			e.breakers = make(map[agentexec.CircuitBreakerConfig]*breaker.Breaker)
		}
		b = breaker.New(&cfg, breaker.WithStateChange(e.breakerChanged))
		e.breakers[cfg] = b
	}
	e.breaker = b
	return b
}

func (e *Engine) breakerChanged(from, to breaker.State) {
	e.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker transition")
	if bo, ok := e.opts.Observer.(agentexec.BreakerObserver); ok {
		bo.BreakerStateChanged(string(from), string(to))
	}
}

// track makes s the current supervisor.
func (e *Engine) track(s *Supervisor) {
	e.mu.Lock()
	e.current = s
	e.live = append(e.live, s)
	e.mu.Unlock()
}

// retire unregisters a finished attempt's handle before the next attempt.
func (e *Engine) retire(s *Supervisor) {
	if s == nil {
		return
	}
	e.mu.Lock()
	e.live = slices.DeleteFunc(e.live, func(x *Supervisor) bool { return x == s })
	e.mu.Unlock()
	s.Release()
}

// command builds the attempt command shared by every attempt of a call.
func (e *Engine) command(prompt string, o agentexec.ExecutionOptions) (Command, error) {
	binary, args := e.backend.SpawnArgs(prompt, o)
	if binary == "" {
		return Command{}, agentexec.NewError(agentexec.ClassConfig, "backend returned no executable", nil)
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return Command{}, agentexec.NewError(agentexec.ClassNotFound, "executable not found: "+binary, err)
	}

	if o.WorkDir != "" {
		info, err := os.Stat(o.WorkDir)
		if err != nil {
			return Command{}, agentexec.NewError(agentexec.ClassConfig, "work dir", err)
		}
		if !info.IsDir() {
			return Command{}, agentexec.Errorf(agentexec.ClassConfig, "work dir is not a directory: %s", o.WorkDir)
		}
	}

	c := Command{
		Path:    path,
		Args:    args,
		Dir:     o.WorkDir,
		Timeout: o.Timeout,
	}
	if len(o.Env) > 0 {
		c.Env = mergeEnv(os.Environ(), o.Env)
	}
	if o.PromptViaStdin {
		if e.formatter != nil {
			data, err := e.formatter.FormatInput(prompt)
			if err != nil {
				return Command{}, agentexec.NewError(agentexec.ClassConfig, "format input", err)
			}
			c.Stdin = data
		} else {
			c.Stdin = []byte(prompt + "\n")
		}
	}
	return c, nil
}

// mergeEnv overlays extra on base. Keys in extra replace base entries.
func mergeEnv(base []string, extra map[string]string) []string {
	out := slices.DeleteFunc(slices.Clone(base), func(kv string) bool {
		k, _, _ := strings.Cut(kv, "=")
		_, ok := extra[k]
		return ok
	})
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// isRetryNotice reports whether msg is the status the engine inserts
// between a failed attempt and its retry.
func isRetryNotice(msg agentexec.Message) bool {
	return msg.Source == agentexec.SourceEngine &&
		msg.Kind == agentexec.KindStatus &&
		msg.Meta(agentexec.MetaDelay) != nil
}

// execution is the state of one Execute call.
type execution struct {
	engine *Engine
	id     string
	prompt string
	opts   agentexec.ExecutionOptions
	yield  func(agentexec.Message) bool
	log    zerolog.Logger

	stopped bool // consumer stopped ranging
}

func (x *execution) run(ctx context.Context) {
	e := x.engine
	ctx, span := e.tracer.Start(ctx, "agentexec.execute", trace.WithAttributes(
		attribute.String("agentexec.execution_id", x.id),
	))
	defer span.End()
	x.log = e.log.With().Str("execution_id", x.id).Logger()

	e.opts.Observer.ExecutionStarted(ctx, x.id, x.prompt)
	var final error
	defer func() {
		if final != nil {
			span.RecordError(final)
			span.SetStatus(codes.Error, string(agentexec.ClassOf(final)))
		}
		e.opts.Observer.ExecutionFinished(ctx, x.id, final)
	}()

	if err := x.opts.Validate(); err != nil {
		final = x.fail(asError(err, agentexec.ClassConfig))
		return
	}
	if err := agentexec.ValidatePrompt(x.prompt); err != nil {
		final = x.fail(asError(err, agentexec.ClassConfig))
		return
	}
	cmd, err := e.command(x.prompt, x.opts)
	if err != nil {
		final = x.fail(asError(err, agentexec.ClassConfig))
		return
	}

	br := e.breakerFor(x.opts)
	rc := retry.New(x.opts.Retry)
	maxAttempts := rc.MaxAttempts()
	span.SetAttributes(
		attribute.String("agentexec.binary", cmd.Path),
		attribute.Int("agentexec.max_attempts", maxAttempts),
	)

	var prev *Supervisor
	for attempt := 0; ; attempt++ {
		if !br.Allow() {
			e.opts.Observer.CircuitRejected(ctx, x.id)
			x.log.Warn().Dur("retry_after", br.RetryAfter()).Msg("circuit open, attempt rejected")
			final = x.fail(agentexec.NewError(agentexec.ClassCircuitOpen, "circuit breaker open", nil).
				WithAttempt(attempt+1).
				WithDetail("retry_after", br.RetryAfter().String()))
			return
		}

		e.retire(prev)
		sup := newSupervisor(e.opts)
		e.track(sup)
		prev = sup

		aerr := x.attempt(ctx, sup, cmd, attempt+1)
		if x.stopped {
			br.Abandon()
			final = agentexec.NewError(agentexec.ClassCanceled, "consumer stopped reading", nil)
			return
		}
		if aerr == nil {
			br.OnSuccess()
			return
		}
		if aerr.Class == agentexec.ClassCanceled {
			br.Abandon()
		} else {
			br.OnFailure()
		}

		if !rc.ShouldRetry(attempt, aerr) {
			final = x.fail(aerr)
			return
		}

		delay := rc.DelayFor(attempt)
		e.opts.Observer.Retrying(ctx, agentexec.Attempt{
			ExecutionID: x.id,
			Number:      attempt + 1,
			PID:         sup.PID(),
			Binary:      cmd.Path,
			State:       sup.State(),
			Err:         aerr,
		}, delay)
		x.log.Info().
			Int("attempt", attempt+1).
			Str("error_class", string(aerr.Class)).
			Dur("delay", delay).
			Msg("retrying")
		if !x.emit(retryNotice(attempt+1, maxAttempts, delay, aerr)) {
			final = agentexec.NewError(agentexec.ClassCanceled, "consumer stopped reading", nil)
			return
		}
		if err := retry.Wait(ctx, delay); err != nil {
			final = x.fail(agentexec.NewError(agentexec.ClassCanceled, "execution canceled during retry delay", err).
				WithAttempt(attempt + 1))
			return
		}
	}
}

// attempt runs one process and yields its classified output. It returns
// the classified failure of the attempt, or nil on success.
func (x *execution) attempt(ctx context.Context, sup *Supervisor, cmd Command, n int) *agentexec.Error {
	e := x.engine
	ctx, span := e.tracer.Start(ctx, "agentexec.attempt", trace.WithAttributes(
		attribute.Int("agentexec.attempt", n),
	))
	defer span.End()

	a := agentexec.Attempt{
		ExecutionID: x.id,
		Number:      n,
		Binary:      cmd.Path,
		StartedAt:   time.Now(),
	}
	e.opts.Observer.AttemptStarted(ctx, a)

	var (
		out    attemptOutput
		runErr error
	)
	for line, err := range sup.Run(ctx, cmd) {
		if err != nil {
			runErr = err
			break
		}
		for _, msg := range out.observe(line, n) {
			if !x.emit(msg) {
				x.stopped = true
				break
			}
		}
		if x.stopped {
			break
		}
	}

	a.PID = sup.PID()
	a.State = sup.State()
	a.FinishedAt = time.Now()
	span.SetAttributes(
		attribute.Int("agentexec.pid", a.PID),
		attribute.String("agentexec.state", string(a.State)),
	)
	if x.stopped {
		e.opts.Observer.AttemptFinished(ctx, a)
		return nil
	}

	aerr := classifyAttempt(runErr, out, sup.ExitCode())
	if aerr != nil {
		aerr.Attempt = n
		a.Err = aerr
		span.RecordError(aerr)
		span.SetStatus(codes.Error, string(aerr.Class))
		x.log.Debug().
			Int("attempt", n).
			Int("pid", a.PID).
			Str("error_class", string(aerr.Class)).
			Msg("attempt failed")
	}
	e.opts.Observer.AttemptFinished(ctx, a)
	return aerr
}

// emit stamps and yields msg, reporting whether the consumer wants more.
func (x *execution) emit(msg agentexec.Message) bool {
	if x.stopped {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if !x.yield(msg) {
		x.stopped = true
		return false
	}
	return true
}

// fail yields the terminal error Message for err and returns err.
func (x *execution) fail(err *agentexec.Error) error {
	x.log.Debug().Str("error_class", string(err.Class)).Err(err).Msg("execution failed")
	x.emit(errorMessage(err))
	return err
}

func retryNotice(attempt, maxAttempts int, delay time.Duration, cause *agentexec.Error) agentexec.Message {
	msg := agentexec.Message{
		Kind: agentexec.KindStatus,
		Content: fmt.Sprintf("retrying: attempt %d/%d failed (%s), next attempt in %s",
			attempt, maxAttempts, cause.Class, delay.Round(time.Millisecond)),
		Source:  agentexec.SourceEngine,
		Attempt: attempt,
	}
	msg.SetMeta(agentexec.MetaAttempt, attempt+1)
	msg.SetMeta(agentexec.MetaMaxAttempts, maxAttempts)
	msg.SetMeta(agentexec.MetaDelay, delay.Milliseconds())
	msg.SetMeta(agentexec.MetaErrorClass, string(cause.Class))
	return msg
}

func errorMessage(err *agentexec.Error) agentexec.Message {
	content := err.Message
	if err.Err != nil {
		content += ": " + err.Err.Error()
	}
	msg := agentexec.Message{
		Kind:    agentexec.KindError,
		Content: truncate(content),
		Source:  agentexec.SourceEngine,
		Attempt: err.Attempt,
	}
	msg.SetMeta(agentexec.MetaErrorClass, string(err.Class))
	if err.ExitCode >= 0 {
		msg.SetMeta(agentexec.MetaExitCode, err.ExitCode)
	}
	return msg
}

// asError returns err as a classified *agentexec.Error, wrapping
// unclassified errors in class.
func asError(err error, class agentexec.ErrorClass) *agentexec.Error {
	var e *agentexec.Error
	if errors.As(err, &e) {
		return e
	}
	return agentexec.NewError(class, "", err)
}
