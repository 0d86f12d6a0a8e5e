package agentexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestResolveOptions_Defaults(t *testing.T) {
	got := ResolveOptions()
	if got.Timeout != DefaultTimeout {
		t.Fatalf("want Timeout=%v, got %v", DefaultTimeout, got.Timeout)
	}
	if got.Retry != nil || got.CircuitBreaker != nil {
		t.Fatalf("retry and breaker should be disabled by default, got %+v", got)
	}
	if got.MaxAttempts() != 1 {
		t.Fatalf("want MaxAttempts=1, got %d", got.MaxAttempts())
	}
}

func TestResolveOptions_LastWriterWins(t *testing.T) {
	got := ResolveOptions(WithModel("first"), nil, WithModel("second"))
	if got.Model != "second" {
		t.Fatalf("want Model=second, got %q", got.Model)
	}
}

func TestResolveOptions_DeepCopy(t *testing.T) {
	tools := []string{"Read", "Write"}
	rs := RetryStrategy{MaxAttempts: 3}
	opt := WithAllowedTools(tools...)

	got := ResolveOptions(opt, WithEnv("K", "v"), WithRetry(rs))
	tools[0] = "mutated"
	if got.AllowedTools[0] != "Read" {
		t.Fatalf("AllowedTools aliased caller slice: %v", got.AllowedTools)
	}

	again := ResolveOptions(WithOptions(got))
	again.Env["K"] = "changed"
	again.Retry.MaxAttempts = 9
	if got.Env["K"] != "v" || got.Retry.MaxAttempts != 3 {
		t.Fatalf("WithOptions aliased the base: env=%v retry=%+v", got.Env, got.Retry)
	}
}

func TestWithOptions_LaterOptionsApply(t *testing.T) {
	base := ResolveOptions(WithModel("base"), WithMaxTurns(4))
	got := ResolveOptions(WithOptions(base), WithModel("override"))
	if got.Model != "override" || got.MaxTurns != 4 {
		t.Fatalf("got %+v", got)
	}
}

func TestMaxAttempts(t *testing.T) {
	if n := ResolveOptions(WithRetry(RetryStrategy{MaxAttempts: 4})).MaxAttempts(); n != 4 {
		t.Fatalf("want 4, got %d", n)
	}
	if n := ResolveOptions(WithRetry(RetryStrategy{})).MaxAttempts(); n != 1 {
		t.Fatalf("zero MaxAttempts should mean one attempt, got %d", n)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		ok   bool
	}{
		{"defaults", nil, true},
		{"full", []Option{
			WithModel("m"), WithMaxTurns(3), WithAllowedTools("Read"),
			WithEnv("A", "b"), WithRetry(DefaultRetryStrategy()),
			WithCircuitBreaker(DefaultCircuitBreakerConfig()),
		}, true},
		{"negative turns", []Option{WithMaxTurns(-1)}, false},
		{"negative timeout", []Option{WithTimeout(-time.Second)}, false},
		{"empty tool", []Option{WithAllowedTools("Read", "")}, false},
		{"null model", []Option{WithModel("a\x00b")}, false},
		{"null tool", []Option{WithAllowedTools("a\x00")}, false},
		{"env key with equals", []Option{WithEnv("A=B", "c")}, false},
		{"env value with null", []Option{WithEnv("A", "\x00")}, false},
		{"empty env key", []Option{WithEnv("", "x")}, false},
		{"zero retry attempts", []Option{WithRetry(RetryStrategy{})}, false},
		{"zero breaker threshold", []Option{WithCircuitBreaker(CircuitBreakerConfig{SuccessThreshold: 1})}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ResolveOptions(tt.opts...).Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if ClassOf(err) != ClassConfig {
					t.Fatalf("want config class, got %q", ClassOf(err))
				}
			}
		})
	}
}

func TestValidatePrompt(t *testing.T) {
	for _, p := range []string{"", "   \n\t", "a\x00b"} {
		if err := ValidatePrompt(p); !IsClass(err, ClassConfig) {
			t.Errorf("ValidatePrompt(%q) = %v, want config error", p, err)
		}
	}
	if err := ValidatePrompt("hello"); err != nil {
		t.Errorf("ValidatePrompt(hello) = %v", err)
	}
}

func TestValidateStruct_ListsFields(t *testing.T) {
	v := struct {
		Name  string `validate:"required"`
		Count int    `validate:"gte=1"`
	}{}
	err := ValidateStruct(v)
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "Name: failed required") || !strings.Contains(msg, "Count: failed gte=1") {
		t.Fatalf("unexpected message: %s", msg)
	}
}

func TestErrorClass_Transient(t *testing.T) {
	transient := map[ErrorClass]bool{ClassTimeout: true, ClassTransient: true}
	for _, c := range []ErrorClass{
		ClassNotFound, ClassConfig, ClassAuth, ClassTimeout, ClassTransient,
		ClassCircuitOpen, ClassProtocol, ClassProcess, ClassCanceled,
	} {
		if c.Transient() != transient[c] {
			t.Errorf("%s.Transient() = %v", c, c.Transient())
		}
	}
}

func TestError_Format(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := NewError(ClassTransient, "pipe closed", cause)
	if got := err.Error(); got != "agentexec: transient: pipe closed: unexpected EOF" {
		t.Fatalf("Error() = %q", got)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if got := Errorf(ClassAuth, "").Error(); got != "agentexec: auth" {
		t.Fatalf("Error() without message = %q", got)
	}
}

func TestError_IsMatchesClass(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Errorf(ClassAuth, "bad key"))
	if !errors.Is(err, &Error{Class: ClassAuth}) {
		t.Fatal("errors.Is should match on class")
	}
	if errors.Is(err, &Error{Class: ClassTimeout}) {
		t.Fatal("errors.Is matched a different class")
	}
}

func TestClassOf(t *testing.T) {
	if c := ClassOf(nil); c != "" {
		t.Fatalf("ClassOf(nil) = %q", c)
	}
	if c := ClassOf(errors.New("plain")); c != ClassProcess {
		t.Fatalf("unclassified errors should be process, got %q", c)
	}
	wrapped := fmt.Errorf("outer: %w", Errorf(ClassTimeout, "slow"))
	if c := ClassOf(wrapped); c != ClassTimeout {
		t.Fatalf("ClassOf(wrapped) = %q", c)
	}
	if !IsTransient(wrapped) || IsTransient(errors.New("plain")) {
		t.Fatal("IsTransient mismatch")
	}
}

func TestErrorBuilders(t *testing.T) {
	err := Errorf(ClassProcess, "boom").WithAttempt(2).WithExitCode(3).WithDetail("stderr", "x")
	if err.Attempt != 2 || err.ExitCode != 3 || err.Details["stderr"] != "x" {
		t.Fatalf("got %+v", err)
	}
	if Errorf(ClassProcess, "no exit").ExitCode != -1 {
		t.Fatal("ExitCode should default to -1")
	}
}

func TestErrorFromMessage(t *testing.T) {
	msg := Message{Kind: KindError, Content: "rate limited", Attempt: 3}
	msg.SetMeta(MetaErrorClass, string(ClassTransient))
	msg.SetMeta(MetaExitCode, 75)

	err := ErrorFromMessage(msg)
	if err.Class != ClassTransient || err.Message != "rate limited" || err.Attempt != 3 || err.ExitCode != 75 {
		t.Fatalf("got %+v", err)
	}

	plain := ErrorFromMessage(Message{Kind: KindError, Content: "Error: nope"})
	if plain.Class != ClassProcess || plain.ExitCode != -1 {
		t.Fatalf("unannotated error message: %+v", plain)
	}
}

func TestExitCode(t *testing.T) {
	if code, ok := ExitCode(&ExitError{Code: 2}); !ok || code != 2 {
		t.Fatalf("ExitError: %d, %v", code, ok)
	}
	if code, ok := ExitCode(Errorf(ClassNotFound, "x").WithExitCode(127)); !ok || code != 127 {
		t.Fatalf("classified: %d, %v", code, ok)
	}
	if _, ok := ExitCode(Errorf(ClassTimeout, "x")); ok {
		t.Fatal("no exit code should be reported when none was observed")
	}
	if _, ok := ExitCode(nil); ok {
		t.Fatal("nil error has no exit code")
	}
}

func TestExitError_UnwrapsExecError(t *testing.T) {
	inner := &exec.ExitError{}
	err := &ExitError{Code: 1, Err: inner}
	var target *exec.ExitError
	if !errors.As(err, &target) {
		t.Fatal("errors.As should reach *exec.ExitError")
	}
	if (&ExitError{Code: 4}).Error() != "agentexec: exit status 4" {
		t.Fatalf("Error() = %q", (&ExitError{Code: 4}).Error())
	}
}

func TestMessage_Meta(t *testing.T) {
	var m Message
	if m.Meta("missing") != nil {
		t.Fatal("Meta on nil map should be nil")
	}
	m.SetMeta(MetaPattern, "progress")
	if m.Meta(MetaPattern) != "progress" {
		t.Fatalf("Meta = %v", m.Meta(MetaPattern))
	}
}

func TestMessage_IsOutput(t *testing.T) {
	for kind, want := range map[MessageKind]bool{
		KindStream: true, KindResult: true, KindToolUse: false,
		KindStatus: false, KindError: false, KindUnknown: false, "assistant": false,
	} {
		if got := (Message{Kind: kind}).IsOutput(); got != want {
			t.Errorf("IsOutput(%s) = %v", kind, got)
		}
	}
}

func TestProcessState_Done(t *testing.T) {
	if StateIdle.Done() || StateRunning.Done() {
		t.Fatal("idle and running are not final")
	}
	if !StateTerminated.Done() || !StateFailed.Done() {
		t.Fatal("terminated and failed are final")
	}
}

func TestAttempt_Duration(t *testing.T) {
	start := time.Unix(100, 0)
	if (Attempt{StartedAt: start}).Duration() != 0 {
		t.Fatal("running attempt should report zero duration")
	}
	a := Attempt{StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)}
	if a.Duration() != 1500*time.Millisecond {
		t.Fatalf("Duration = %v", a.Duration())
	}
}

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) ExecutionStarted(_ context.Context, id, _ string) {
	r.calls = append(r.calls, "started:"+id)
}
func (r *recordingObserver) AttemptStarted(_ context.Context, a Attempt) {
	r.calls = append(r.calls, fmt.Sprintf("attempt:%d", a.Number))
}
func (r *recordingObserver) AttemptFinished(_ context.Context, a Attempt) {
	r.calls = append(r.calls, fmt.Sprintf("finished:%d", a.Number))
}
func (r *recordingObserver) Retrying(_ context.Context, a Attempt, d time.Duration) {
	r.calls = append(r.calls, fmt.Sprintf("retry:%d:%s", a.Number, d))
}
func (r *recordingObserver) CircuitRejected(_ context.Context, id string) {
	r.calls = append(r.calls, "rejected:"+id)
}
func (r *recordingObserver) ExecutionFinished(_ context.Context, id string, _ error) {
	r.calls = append(r.calls, "done:"+id)
}

type breakerRecorder struct {
	recordingObserver
}

func (b *breakerRecorder) BreakerStateChanged(from, to string) {
	b.calls = append(b.calls, from+"->"+to)
}

func TestObservers_FanOut(t *testing.T) {
	plain := &recordingObserver{}
	withBreaker := &breakerRecorder{}
	obs := Observers{plain, withBreaker}
	ctx := context.Background()

	obs.ExecutionStarted(ctx, "x", "p")
	obs.AttemptStarted(ctx, Attempt{Number: 1})
	obs.AttemptFinished(ctx, Attempt{Number: 1})
	obs.Retrying(ctx, Attempt{Number: 1}, time.Second)
	obs.CircuitRejected(ctx, "x")
	obs.ExecutionFinished(ctx, "x", nil)
	obs.BreakerStateChanged("closed", "open")

	want := "started:x attempt:1 finished:1 retry:1:1s rejected:x done:x"
	if got := strings.Join(plain.calls, " "); got != want {
		t.Fatalf("plain observer calls = %q", got)
	}
	if got := strings.Join(withBreaker.calls, " "); got != want+" closed->open" {
		t.Fatalf("breaker observer calls = %q", got)
	}
}
