package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/dmora/agentexec"
)

const suiteTimeout = 15 * time.Second

// RunExecutorTests tests the [agentexec.Executor] behavioral contract.
//
// The factory is called once per subtest. The executor it returns must run
// a program that writes the prompt back as one line of output and exits 0,
// and must account its processes in a registry no other test shares.
func RunExecutorTests(t *testing.T, factory func(t *testing.T) agentexec.Executor) {
	t.Helper()
	runLifecycle(t, factory)
	runExecution(t, factory)
}

func runLifecycle(t *testing.T, factory func(t *testing.T) agentexec.Executor) {
	t.Helper()

	t.Run("IdleBeforeRun", func(t *testing.T) {
		e := factory(t)
		if got := e.ResourceStats().ProcessState; got != agentexec.StateIdle {
			t.Errorf("ProcessState = %q, want %q", got, agentexec.StateIdle)
		}
	})

	t.Run("CleanupIdempotent", func(t *testing.T) {
		e := factory(t)
		e.Cleanup()
		e.Cleanup()
		if n := e.ResourceStats().RegisteredResources; n != 0 {
			t.Errorf("RegisteredResources = %d after cleanup, want 0", n)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		e := factory(t)
		if err := e.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("CleanupReleasesAfterRun", func(t *testing.T) {
		e := factory(t)
		if _, err := e.ExecuteSync(suiteContext(t), "release"); err != nil {
			t.Fatalf("ExecuteSync: %v", err)
		}
		e.Cleanup()
		st := e.ResourceStats()
		if st.RegisteredResources != 0 {
			t.Errorf("RegisteredResources = %d after cleanup, want 0", st.RegisteredResources)
		}
		if !st.ProcessState.Done() {
			t.Errorf("ProcessState = %q after cleanup, want a final state", st.ProcessState)
		}
	})
}

func runExecution(t *testing.T, factory func(t *testing.T) agentexec.Executor) {
	t.Helper()

	t.Run("SyncEchoes", func(t *testing.T) {
		e := factory(t)
		defer e.Cleanup()
		got, err := e.ExecuteSync(suiteContext(t), "compliance")
		if err != nil {
			t.Fatalf("ExecuteSync: %v", err)
		}
		if got != "compliance" {
			t.Errorf("ExecuteSync = %q, want %q", got, "compliance")
		}
	})

	t.Run("LazySequence", func(t *testing.T) {
		e := factory(t)
		defer e.Cleanup()
		_ = e.Execute(suiteContext(t), "never ranged")
		if got := e.ResourceStats().ProcessState; got != agentexec.StateIdle {
			t.Errorf("ProcessState = %q before ranging, want %q", got, agentexec.StateIdle)
		}
	})

	t.Run("MessagesAnnotated", func(t *testing.T) {
		e := factory(t)
		defer e.Cleanup()
		n := 0
		for msg := range e.Execute(suiteContext(t), "annotated") {
			n++
			if msg.Attempt < 1 {
				t.Errorf("message %d: Attempt = %d, want >= 1", n, msg.Attempt)
			}
			if msg.Timestamp.IsZero() {
				t.Errorf("message %d: zero Timestamp", n)
			}
		}
		if n == 0 {
			t.Error("no messages received")
		}
	})

	t.Run("CanceledContext", func(t *testing.T) {
		e := factory(t)
		defer e.Cleanup()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := e.ExecuteSync(ctx, "canceled")
		if !agentexec.IsClass(err, agentexec.ClassCanceled) {
			t.Errorf("error = %v, want class %q", err, agentexec.ClassCanceled)
		}
	})

	t.Run("AbandonTerminates", func(t *testing.T) {
		e := factory(t)
		defer e.Cleanup()
		for range e.Execute(suiteContext(t), "abandon") {
			break
		}
		if got := e.ResourceStats().ProcessState; !got.Done() {
			t.Errorf("ProcessState = %q after abandon, want a final state", got)
		}
	})
}

func suiteContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), suiteTimeout)
	t.Cleanup(cancel)
	return ctx
}
