package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/dmora/agentexec"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func cfg(failures int, recovery time.Duration, successes int) *agentexec.CircuitBreakerConfig {
	return &agentexec.CircuitBreakerConfig{
		FailureThreshold: failures,
		RecoveryTimeout:  recovery,
		SuccessThreshold: successes,
	}
}

func TestNil_AlwaysAllows(t *testing.T) {
	b := New(nil)
	if b != nil {
		t.Fatal("New(nil) should return nil")
	}
	for range 10 {
		b.OnFailure()
		if !b.Allow() {
			t.Fatal("nil breaker refused admission")
		}
	}
	b.OnSuccess()
	b.Abandon()
	if b.State() != Closed {
		t.Errorf("nil breaker state = %s, want closed", b.State())
	}
	if b.RetryAfter() != 0 {
		t.Error("nil breaker RetryAfter != 0")
	}
}

func TestClosed_OpensAtThreshold(t *testing.T) {
	clk := newFakeClock()
	b := New(cfg(3, time.Minute, 1), WithClock(clk.Now))

	for i := range 2 {
		if !b.Allow() {
			t.Fatalf("attempt %d refused while closed", i)
		}
		b.OnFailure()
		if b.State() != Closed {
			t.Fatalf("opened after %d failures, threshold 3", i+1)
		}
	}
	b.Allow()
	b.OnFailure()
	if b.State() != Open {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker admitted an attempt before recovery")
	}
	if got := b.Snapshot().LastFailure; !got.Equal(clk.Now()) {
		t.Errorf("LastFailure = %v, want %v", got, clk.Now())
	}
}

func TestClosed_SuccessResetsFailures(t *testing.T) {
	b := New(cfg(2, time.Minute, 1))
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	if b.State() != Closed {
		t.Fatal("non-consecutive failures opened the breaker")
	}
	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 1 || snap.ConsecutiveSuccesses != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestOpen_HalfOpenAfterRecovery(t *testing.T) {
	clk := newFakeClock()
	b := New(cfg(1, 10*time.Second, 1), WithClock(clk.Now))
	b.OnFailure()

	clk.Advance(9 * time.Second)
	if b.Allow() {
		t.Fatal("admitted before recovery timeout")
	}
	if got := b.RetryAfter(); got != time.Second {
		t.Errorf("RetryAfter = %v, want 1s", got)
	}

	clk.Advance(time.Second)
	if b.State() != Open {
		t.Fatal("transition happened without an admission check")
	}
	if !b.Allow() {
		t.Fatal("refused after recovery timeout")
	}
	if b.State() != HalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}
}

func TestHalfOpen_SingleTrial(t *testing.T) {
	clk := newFakeClock()
	b := New(cfg(1, time.Second, 2), WithClock(clk.Now))
	b.OnFailure()
	clk.Advance(time.Second)

	if !b.Allow() {
		t.Fatal("first trial refused")
	}
	if b.Allow() {
		t.Fatal("second concurrent trial admitted")
	}
	b.OnSuccess()
	if b.State() != HalfOpen {
		t.Fatalf("closed after 1 success, threshold 2")
	}
	if !b.Allow() {
		t.Fatal("next trial refused after success")
	}
	b.OnSuccess()
	if b.State() != Closed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	snap := b.Snapshot()
	if snap.ConsecutiveFailures != 0 || snap.ConsecutiveSuccesses != 0 {
		t.Errorf("counters not reset: %+v", snap)
	}
}

func TestHalfOpen_FailureReopens(t *testing.T) {
	clk := newFakeClock()
	b := New(cfg(3, time.Second, 2), WithClock(clk.Now))
	for range 3 {
		b.OnFailure()
	}
	clk.Advance(time.Second)
	b.Allow()
	b.OnSuccess()
	b.Allow()
	clk.Advance(500 * time.Millisecond)
	b.OnFailure()

	snap := b.Snapshot()
	if snap.State != Open {
		t.Fatalf("state = %s, want open", snap.State)
	}
	if snap.ConsecutiveFailures != 3 {
		t.Errorf("failures = %d, want threshold 3", snap.ConsecutiveFailures)
	}
	if snap.ConsecutiveSuccesses != 0 {
		t.Errorf("successes = %d, want 0", snap.ConsecutiveSuccesses)
	}
	if !snap.LastFailure.Equal(clk.Now()) {
		t.Error("LastFailure not refreshed on reopen")
	}
	if b.Allow() {
		t.Error("admitted immediately after reopening")
	}
}

func TestHalfOpen_Abandon(t *testing.T) {
	clk := newFakeClock()
	b := New(cfg(1, time.Second, 1), WithClock(clk.Now))
	b.OnFailure()
	clk.Advance(time.Second)
	b.Allow()
	b.Abandon()
	if b.State() != HalfOpen {
		t.Fatalf("Abandon changed state to %s", b.State())
	}
	if !b.Allow() {
		t.Error("trial slot not released by Abandon")
	}
}

func TestOpen_SuccessIsNoop(t *testing.T) {
	b := New(cfg(1, time.Hour, 1))
	b.OnFailure()
	b.OnSuccess()
	if b.State() != Open {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestStateChangeCallback(t *testing.T) {
	clk := newFakeClock()
	type edge struct{ from, to State }
	var got []edge
	b := New(cfg(1, time.Second, 1),
		WithClock(clk.Now),
		WithStateChange(func(from, to State) { got = append(got, edge{from, to}) }),
	)
	b.OnFailure()
	clk.Advance(time.Second)
	b.Allow()
	b.OnSuccess()

	want := []edge{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNew_ClampsThresholds(t *testing.T) {
	b := New(cfg(0, 0, 0))
	b.OnFailure()
	if b.State() != Open {
		t.Fatal("threshold 0 should behave as 1")
	}
	if !b.Allow() {
		t.Fatal("zero recovery timeout should admit immediately")
	}
	b.OnSuccess()
	if b.State() != Closed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestConcurrentUse(t *testing.T) {
	b := New(cfg(5, time.Millisecond, 1))
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				if b.Allow() {
					if (i+j)%3 == 0 {
						b.OnFailure()
					} else {
						b.OnSuccess()
					}
				}
				_ = b.Snapshot()
			}
		}()
	}
	wg.Wait()
}
