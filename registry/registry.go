// Package registry tracks live OS process handles and the auxiliary
// resources (pipes, timers) attached to them so they can be reported on
// and reaped in bulk.
//
// A Registry never owns process lifetime. Handles keep only a weak
// reference to their *os.Process; the supervisor that spawned the process
// owns it, and the registry observes.
package registry

import (
	"cmp"
	"errors"
	"io"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"
	"weak"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/dmora/agentexec"
)

// Shared returns the process-wide Registry, created on first use.
var Shared = sync.OnceValue(New)

// Stats is a point-in-time snapshot of a Registry.
type Stats struct {
	// TotalResources counts handles plus every resource attached to them.
	TotalResources int

	// RegisteredResources counts registered handles.
	RegisteredResources int

	// ByState counts registered handles per process state.
	ByState map[agentexec.ProcessState]int
}

// Handle is one registry entry for a spawned process.
type Handle struct {
	ID        string
	PID       int
	Owner     string
	CreatedAt time.Time

	// Group is true when the process leads its own process group and
	// signals should target the whole group.
	Group bool

	proc weak.Pointer[os.Process]

	mu        sync.Mutex
	state     agentexec.ProcessState
	resources []io.Closer
	released  bool
}

// NewHandle creates a Handle for proc owned by owner. The handle starts
// in StateRunning. proc may be nil for handles that track resources only.
func NewHandle(proc *os.Process, owner string, group bool) *Handle {
	h := &Handle{
		ID:        uuid.NewString(),
		Owner:     owner,
		CreatedAt: time.Now(),
		Group:     group,
		state:     agentexec.StateRunning,
	}
	if proc != nil {
		h.PID = proc.Pid
		h.proc = weak.Make(proc)
	}
	return h
}

// Process returns the tracked process, or nil once the owner has dropped it.
func (h *Handle) Process() *os.Process {
	return h.proc.Value()
}

// State returns the handle's current process state.
func (h *Handle) State() agentexec.ProcessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetState records a new process state.
func (h *Handle) SetState(s agentexec.ProcessState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Attach adds an auxiliary resource released with the handle. Attaching
// to an already released handle closes c immediately.
func (h *Handle) Attach(c io.Closer) {
	if c == nil {
		return
	}
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		_ = c.Close()
		return
	}
	h.resources = append(h.resources, c)
	h.mu.Unlock()
}

// Resources returns the number of attached, unreleased resources.
func (h *Handle) Resources() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.resources)
}

// Release closes every attached resource exactly once. Later calls are
// no-ops. Close errors are joined; os.ErrClosed is ignored.
func (h *Handle) Release() error {
	h.mu.Lock()
	res := h.resources
	h.resources = nil
	h.released = true
	h.mu.Unlock()

	var errs []error
	for _, c := range res {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Signal delivers sig to the process, or to its whole process group when
// Group is set. Returns os.ErrProcessDone when the process is gone.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.Group && h.PID > 0 {
		err := unix.Kill(-h.PID, sig)
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	p := h.Process()
	if p == nil {
		return os.ErrProcessDone
	}
	return p.Signal(sig)
}

// Registry is a concurrency-safe set of Handles.
type Registry struct {
	mu      sync.RWMutex
	handles map[*Handle]struct{}
}

// New returns an empty Registry. Most callers want Shared.
func New() *Registry {
	return &Registry{handles: map[*Handle]struct{}{}}
}

// Register adds h. Registering the same handle twice is a no-op and
// reports false.
func (r *Registry) Register(h *Handle) bool {
	if h == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h]; ok {
		return false
	}
	r.handles[h] = struct{}{}
	return true
}

// Unregister removes h, reporting whether it was present.
func (r *Registry) Unregister(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h]; !ok {
		return false
	}
	delete(r.handles, h)
	return true
}

// Stats returns a snapshot of the registry. It never mutates state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{
		RegisteredResources: len(r.handles),
		ByState:             make(map[agentexec.ProcessState]int),
	}
	for h := range r.handles {
		st.TotalResources += 1 + h.Resources()
		st.ByState[h.State()]++
	}
	return st
}

// Handles returns the registered handles ordered by creation time.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Handle) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})
	return out
}

// Owned returns the registered handles belonging to owner.
func (r *Registry) Owned(owner string) []*Handle {
	return slices.DeleteFunc(r.Handles(), func(h *Handle) bool {
		return h.Owner != owner
	})
}

// Reap force-kills every still-running process, releases all attached
// resources, and empties the registry. It returns the number of handles
// removed and any release errors.
func (r *Registry) Reap() (int, error) {
	r.mu.Lock()
	hs := r.handles
	r.handles = map[*Handle]struct{}{}
	r.mu.Unlock()

	var errs []error
	for h := range hs {
		if h.State() == agentexec.StateRunning {
			if err := h.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, err)
			}
			h.SetState(agentexec.StateTerminated)
		}
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return len(hs), errors.Join(errs...)
}
