package registry

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dmora/agentexec"
)

type closer struct {
	mu     sync.Mutex
	closed int
	err    error
}

func (c *closer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return c.err
}

func (c *closer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegister_Idempotent(t *testing.T) {
	r := New()
	h := NewHandle(nil, "owner", false)
	if !r.Register(h) {
		t.Fatal("first Register returned false")
	}
	if r.Register(h) {
		t.Fatal("second Register returned true")
	}
	if got := r.Stats().RegisteredResources; got != 1 {
		t.Errorf("RegisteredResources = %d, want 1", got)
	}
	if r.Register(nil) {
		t.Error("Register(nil) returned true")
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	h := NewHandle(nil, "owner", false)
	r.Register(h)
	if !r.Unregister(h) {
		t.Fatal("Unregister returned false for registered handle")
	}
	if r.Unregister(h) {
		t.Fatal("Unregister returned true for absent handle")
	}
	if got := r.Stats().RegisteredResources; got != 0 {
		t.Errorf("RegisteredResources = %d, want 0", got)
	}
}

func TestStats(t *testing.T) {
	r := New()
	a := NewHandle(nil, "a", false)
	a.Attach(&closer{})
	a.Attach(&closer{})
	b := NewHandle(nil, "b", false)
	b.SetState(agentexec.StateTerminated)
	r.Register(a)
	r.Register(b)

	st := r.Stats()
	if st.RegisteredResources != 2 {
		t.Errorf("RegisteredResources = %d, want 2", st.RegisteredResources)
	}
	if st.TotalResources != 4 {
		t.Errorf("TotalResources = %d, want 4", st.TotalResources)
	}
	if st.ByState[agentexec.StateRunning] != 1 || st.ByState[agentexec.StateTerminated] != 1 {
		t.Errorf("ByState = %v", st.ByState)
	}

	// Stats must not mutate.
	if again := r.Stats(); again.TotalResources != st.TotalResources {
		t.Errorf("second Stats = %+v, want %+v", again, st)
	}
}

func TestHandle_ReleaseOnce(t *testing.T) {
	c := &closer{}
	h := NewHandle(nil, "o", false)
	h.Attach(c)
	h.Attach(nil)
	if err := h.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if c.count() != 1 {
		t.Errorf("closed %d times, want 1", c.count())
	}

	late := &closer{}
	h.Attach(late)
	if late.count() != 1 {
		t.Error("Attach after Release did not close immediately")
	}
	if h.Resources() != 0 {
		t.Errorf("Resources = %d, want 0", h.Resources())
	}
}

func TestHandle_ReleaseJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	h := NewHandle(nil, "o", false)
	h.Attach(&closer{err: boom})
	h.Attach(&closer{err: os.ErrClosed})
	if err := h.Release(); !errors.Is(err, boom) {
		t.Errorf("Release = %v, want boom", err)
	}
}

func TestHandle_SignalWithoutProcess(t *testing.T) {
	h := NewHandle(nil, "o", false)
	if err := h.Signal(syscall.SIGTERM); !errors.Is(err, os.ErrProcessDone) {
		t.Errorf("Signal = %v, want ErrProcessDone", err)
	}
}

func TestHandles_OrderedAndOwned(t *testing.T) {
	r := New()
	first := NewHandle(nil, "x", false)
	second := NewHandle(nil, "y", false)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	third := NewHandle(nil, "x", false)
	third.CreatedAt = first.CreatedAt.Add(2 * time.Second)
	r.Register(third)
	r.Register(first)
	r.Register(second)

	got := r.Handles()
	if len(got) != 3 || got[0] != first || got[1] != second || got[2] != third {
		t.Errorf("Handles order wrong: %v", got)
	}
	owned := r.Owned("x")
	if len(owned) != 2 || owned[0] != first || owned[1] != third {
		t.Errorf("Owned(x) = %v", owned)
	}
}

func TestReap_KillsRunningProcessGroup(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	r := New()
	h := NewHandle(cmd.Process, "reaper", true)
	res := &closer{}
	h.Attach(res)
	r.Register(h)

	if h.Process() != cmd.Process {
		t.Fatal("Process() did not return the tracked process")
	}

	n, err := r.Reap()
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 1 {
		t.Errorf("Reap removed %d, want 1", n)
	}
	if res.count() != 1 {
		t.Error("attached resource not released")
	}
	if h.State() != agentexec.StateTerminated {
		t.Errorf("state = %s, want terminated", h.State())
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("Wait = %v, want ExitError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process still alive after Reap")
	}
	if st := r.Stats(); st.RegisteredResources != 0 || st.TotalResources != 0 {
		t.Errorf("stats after Reap = %+v", st)
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				h := NewHandle(nil, "c", false)
				r.Register(h)
				_ = r.Stats()
				h.SetState(agentexec.StateTerminated)
				r.Unregister(h)
			}
		}()
	}
	wg.Wait()
	if got := r.Stats().RegisteredResources; got != 0 {
		t.Errorf("RegisteredResources = %d, want 0", got)
	}
}

func TestShared_Singleton(t *testing.T) {
	if Shared() != Shared() {
		t.Fatal("Shared returned different registries")
	}
}
