//go:build !windows

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/internal/errfmt"
	"github.com/dmora/agentexec/registry"
)

// Command describes the process spawned for one attempt.
type Command struct {
	// Path is the resolved executable.
	Path string

	// Args excludes the executable itself.
	Args []string

	// Dir is the working directory. Empty inherits ours.
	Dir string

	// Env is the full environment. Nil inherits ours.
	Env []string

	// Stdin is written to the process and then closed. Nil connects
	// stdin to the null device.
	Stdin []byte

	// Timeout bounds the run. Zero disables it.
	Timeout time.Duration
}

// Line is one raw output line tagged with the pipe it came from.
type Line struct {
	Source agentexec.Source
	Text   string
}

// Supervisor owns exactly one external process for the duration of one
// attempt: it spawns it, feeds stdin, drains stdout and stderr
// concurrently, enforces the timeout, and terminates the process group
// with SIGTERM followed by SIGKILL after the grace period.
//
// The registry handle created at spawn stays registered after the process
// exits until Release is called, so stats remain queryable.
type Supervisor struct {
	id   string
	opts EngineOptions
	log  zerolog.Logger

	started atomic.Bool

	mu       sync.Mutex
	state    agentexec.ProcessState
	pid      int
	exitCode int
	run      *running
	handle   *registry.Handle
}

// NewSupervisor returns an idle Supervisor configured by opts.
func NewSupervisor(opts ...EngineOption) *Supervisor {
	return newSupervisor(resolveEngineOptions(opts...))
}

func newSupervisor(o EngineOptions) *Supervisor {
	id := uuid.NewString()
	return &Supervisor{
		id:       id,
		opts:     o,
		log:      o.Logger.With().Str("supervisor", id).Logger(),
		state:    agentexec.StateIdle,
		exitCode: -1,
	}
}

// running is the bookkeeping of one spawned process.
type running struct {
	cmd    *exec.Cmd
	handle *registry.Handle

	lines    chan Line
	stop     chan struct{} // closed to stop readers from blocking on lines
	procDone chan struct{} // closed when Wait returned
	exited   chan struct{} // closed after procDone and both readers finished

	drainErr error // valid once lines is closed
	waitErr  error // valid once procDone is closed

	cut        atomic.Bool // a reader gave up on a pipe held open by descendants
	killed     atomic.Bool
	stopOnce   sync.Once
	termOnce   sync.Once
	settleOnce sync.Once
	result     error
}

// ID returns the supervisor's identifier, used as the registry owner.
func (s *Supervisor) ID() string { return s.id }

// State returns the process state.
func (s *Supervisor) State() agentexec.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the process identifier, 0 before spawn.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// ExitCode returns the exit status, -1 while running or when killed by a signal.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Handle returns the registry handle, nil before spawn or after Release.
func (s *Supervisor) Handle() *registry.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Run spawns c and returns its output lines as they arrive. Lines from
// one pipe keep their order; stdout and stderr interleave in arrival
// order. A non-nil error is always the last element: the spawn failure,
// a timeout, a cancellation, or the *agentexec.ExitError of a non-zero
// exit.
//
// Breaking out of the sequence terminates the process group before the
// range statement returns. A Supervisor runs at most one process.
func (s *Supervisor) Run(ctx context.Context, c Command) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		if !s.started.CompareAndSwap(false, true) {
			yield(Line{}, agentexec.NewError(agentexec.ClassConfig, "supervisor already ran a process", nil))
			return
		}
		if err := ctx.Err(); err != nil {
			s.setState(agentexec.StateFailed)
			yield(Line{}, agentexec.NewError(agentexec.ClassCanceled, "execution canceled before spawn", err))
			return
		}

		r, err := s.spawn(c)
		if err != nil {
			s.setState(agentexec.StateFailed)
			s.log.Debug().Err(err).Str("binary", c.Path).Msg("spawn failed")
			yield(Line{}, err)
			return
		}

		var timeout <-chan time.Time
		if c.Timeout > 0 {
			t := time.NewTimer(c.Timeout)
			r.handle.Attach(timerCloser{t})
			timeout = t.C
		}

		// exited is armed once both pipes reached EOF; a process may close
		// its output and keep running until the timeout. A process that
		// exits while descendants hold its output is bounded by ExitDrain.
		lines, exited := r.lines, (<-chan struct{})(nil)
		for {
			select {
			case l, ok := <-lines:
				if !ok {
					lines, exited = nil, r.exited
					continue
				}
				if !yield(l, nil) {
					s.terminate(r, "abandoned")
					return
				}
			case <-exited:
				s.settle(r)
				if r.result != nil {
					yield(Line{}, r.result)
				}
				return
			case <-timeout:
				select {
				case <-r.procDone:
					// Exited in time; only the output drain is pending.
					timeout = nil
					continue
				default:
				}
				s.terminate(r, "timeout")
				yield(Line{}, agentexec.Errorf(agentexec.ClassTimeout, "process exceeded %s timeout", c.Timeout).
					WithDetail("timeout", c.Timeout.String()))
				return
			case <-ctx.Done():
				s.terminate(r, "canceled")
				yield(Line{}, agentexec.NewError(agentexec.ClassCanceled, "execution canceled", context.Cause(ctx)))
				return
			}
		}
	}
}

// Terminate stops a running process with the graceful-then-forceful
// sequence and blocks until it has exited. It is a no-op before spawn
// and after exit.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}
	select {
	case <-r.exited:
		s.settle(r)
	default:
		s.terminate(r, "cleanup")
	}
}

// Release unregisters the process handle and closes any resource still
// attached to it. Idempotent.
func (s *Supervisor) Release() {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	s.opts.Registry.Unregister(h)
	if err := h.Release(); err != nil {
		s.log.Warn().Err(err).Msg("release process resources")
	}
}

func (s *Supervisor) spawn(c Command) (*running, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// The pipes are ours rather than exec's so Wait returns when the
	// process exits, even if a descendant still holds a write end.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, agentexec.NewError(agentexec.ClassTransient, "stdout pipe", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, agentexec.NewError(agentexec.ClassTransient, "stderr pipe", err)
	}
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW

	var stdin io.WriteCloser
	if c.Stdin != nil {
		if stdin, err = cmd.StdinPipe(); err != nil {
			closeAll(stdoutR, stdoutW, stderrR, stderrW)
			return nil, agentexec.NewError(agentexec.ClassTransient, "stdin pipe", err)
		}
	}

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		closeAll(stdoutR, stderrR)
		return nil, spawnError(c.Path, err)
	}

	h := registry.NewHandle(cmd.Process, s.id, true)
	h.Attach(stdoutR)
	h.Attach(stderrR)
	if stdin != nil {
		h.Attach(stdin)
	}
	s.opts.Registry.Register(h)

	r := &running{
		cmd:      cmd,
		handle:   h,
		lines:    make(chan Line, s.opts.LineBuffer),
		stop:     make(chan struct{}),
		procDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}

	s.mu.Lock()
	s.state = agentexec.StateRunning
	s.pid = cmd.Process.Pid
	s.run = r
	s.handle = h
	s.mu.Unlock()

	s.log.Debug().Int("pid", cmd.Process.Pid).Str("binary", c.Path).Msg("process started")

	stdout := &outputPipe{f: stdoutR, procDone: r.procDone, window: s.opts.ExitDrain, cut: &r.cut}
	stderr := &outputPipe{f: stderrR, procDone: r.procDone, window: s.opts.ExitDrain, cut: &r.cut}

	var g errgroup.Group
	g.Go(func() error { return s.drain(r, stdout, agentexec.SourceStdout) })
	g.Go(func() error { return s.drain(r, stderr, agentexec.SourceStderr) })
	if stdin != nil {
		go s.writeInput(stdin, c.Stdin)
	}
	go func() {
		r.waitErr = cmd.Wait()
		close(r.procDone)
		stdout.arm()
		stderr.arm()
	}()
	go func() {
		r.drainErr = g.Wait()
		close(r.lines)
		<-r.procDone
		if r.cut.Load() {
			s.log.Debug().Int("pid", r.handle.PID).Msg("descendants held output open after exit, killing group")
			if err := r.handle.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.log.Warn().Err(err).Msg("kill lingering descendants")
			}
		}
		close(r.exited)
	}()
	return r, nil
}

// outputPipe is the read end of an output pipe. After the process has
// exited, a read that stays idle for window ends the stream with io.EOF;
// data already buffered in the pipe is still read.
type outputPipe struct {
	f        *os.File
	procDone <-chan struct{}
	window   time.Duration
	cut      *atomic.Bool
}

// arm bounds a read that was already blocked when the process exited.
func (p *outputPipe) arm() {
	_ = p.f.SetReadDeadline(time.Now().Add(p.window))
}

func (p *outputPipe) Read(b []byte) (int, error) {
	select {
	case <-p.procDone:
		p.arm()
	default:
	}
	n, err := p.f.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		p.cut.Store(true)
		return n, io.EOF
	}
	return n, err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// drain scans one pipe into r.lines. After stop is closed it keeps reading
// and discards, so the process never blocks on a full pipe while it
// handles SIGTERM.
func (s *Supervisor) drain(r *running, rd io.Reader, src agentexec.Source) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, min(4096, s.opts.ScannerBuffer)), s.opts.ScannerBuffer)

	stopped := false
	for sc.Scan() {
		if stopped {
			continue
		}
		select {
		case r.lines <- Line{Source: src, Text: errfmt.Sanitize(sc.Text())}:
		case <-r.stop:
			stopped = true
		}
	}
	err := sc.Err()
	if err == nil || stopped || errors.Is(err, os.ErrClosed) {
		return nil
	}
	// The sibling reader only reaches EOF once the group is gone.
	_ = r.handle.Signal(syscall.SIGKILL)
	return fmt.Errorf("read %s: %w", src, err)
}

func (s *Supervisor) writeInput(w io.WriteCloser, data []byte) {
	if _, err := w.Write(data); err != nil && !errors.Is(err, syscall.EPIPE) && !errors.Is(err, os.ErrClosed) {
		s.log.Debug().Err(err).Msg("write stdin")
	}
	_ = w.Close()
}

// terminate runs SIGTERM, the grace period, then SIGKILL against the
// process group and waits for exit. Concurrent callers share one sequence.
func (s *Supervisor) terminate(r *running, reason string) {
	r.termOnce.Do(func() {
		r.killed.Store(true)
		r.stopOnce.Do(func() { close(r.stop) })

		log := s.log.With().Int("pid", r.handle.PID).Str("reason", reason).Logger()
		log.Debug().Msg("terminating process group")
		if err := r.handle.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn().Err(err).Msg("sigterm failed")
		}

		grace := time.NewTimer(s.opts.GracePeriod)
		defer grace.Stop()
		select {
		case <-r.exited:
		case <-grace.C:
			log.Warn().Dur("grace", s.opts.GracePeriod).Msg("process ignored SIGTERM, killing")
			if err := r.handle.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
				log.Warn().Err(err).Msg("sigkill failed")
			}
			// Closing the read ends unblocks readers held by escaped descendants.
			_ = r.handle.Release()
			<-r.exited
		}
	})
	s.settle(r)
}

// settle records the outcome once the process has exited and releases
// its pipes. The handle stays registered.
func (s *Supervisor) settle(r *running) {
	r.settleOnce.Do(func() {
		<-r.exited
		if err := r.handle.Release(); err != nil {
			s.log.Warn().Err(err).Msg("close process pipes")
		}

		state, code := agentexec.StateTerminated, exitStatus(r.waitErr)
		switch {
		case r.killed.Load():
			r.result = agentexec.NewError(agentexec.ClassCanceled, "process terminated", nil)
		case r.drainErr != nil:
			state = agentexec.StateFailed
			r.result = agentexec.NewError(agentexec.ClassProcess, "reading process output", r.drainErr)
		case r.waitErr != nil:
			state = agentexec.StateFailed
			var ee *exec.ExitError
			if errors.As(r.waitErr, &ee) {
				r.result = &agentexec.ExitError{Code: code, Err: r.waitErr}
			} else {
				r.result = agentexec.NewError(agentexec.ClassTransient, "wait for process", r.waitErr)
			}
		}

		s.mu.Lock()
		s.state = state
		s.exitCode = code
		s.mu.Unlock()
		r.handle.SetState(state)

		s.log.Debug().
			Int("pid", r.handle.PID).
			Int("exit_code", code).
			Str("state", string(state)).
			Msg("process exited")
	})
}

func (s *Supervisor) setState(state agentexec.ProcessState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// exitStatus returns 0 for a clean exit, the status for a non-zero exit,
// and -1 when the process was killed by a signal or never waited.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// spawnError classifies a failed cmd.Start.
func spawnError(path string, err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return agentexec.NewError(agentexec.ClassNotFound, "executable not found: "+path, err)
	case errors.Is(err, fs.ErrPermission):
		return agentexec.NewError(agentexec.ClassConfig, "executable not runnable: "+path, err)
	default:
		return agentexec.NewError(agentexec.ClassTransient, "spawn "+path, err)
	}
}

// timerCloser lets the attempt timer be tracked as a registry resource.
type timerCloser struct{ t *time.Timer }

func (c timerCloser) Close() error {
	c.t.Stop()
	return nil
}
