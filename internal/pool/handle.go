package pool

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

type State int

const (
	StateSpawning State = iota
	StateRunning
	StateExiting
	StateKilled
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	case StateKilled:
		return "killed"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var stateTransitions = map[State][]State{
	StateSpawning: {StateRunning, StateTerminated},
	StateRunning:  {StateExiting, StateKilled},
	StateExiting:  {StateKilled, StateTerminated},
	StateKilled:   {StateTerminated},
}

func canTransition(from, to State) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ExitStatus describes how a supervised process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code       int
	Signal     string
	Cancelled  bool
	Stalled    bool
	Diagnostic string
	Duration   time.Duration
}

func (x ExitStatus) reason() string {
	switch {
	case x.Stalled:
		return "stalled"
	case x.Cancelled:
		return "cancelled"
	case x.Signal != "":
		return "signal"
	case x.Code != 0:
		return "exit_code"
	default:
		return "exited"
	}
}

// Handle is a supervised process. All methods are safe for concurrent use.
type Handle struct {
	pool   *Pool
	spec   Spec
	limits Limits
	cmd    *exec.Cmd

	pid       int
	startedAt time.Time
	activity  atomic.Int64

	mu         sync.Mutex
	state      State
	cancelled  bool
	stalled    bool
	diagnostic string

	done chan struct{}
	exit ExitStatus
}

func newHandle(p *Pool, spec Spec, limits Limits) *Handle {
	return &Handle{
		pool:   p,
		spec:   spec,
		limits: limits,
		state:  StateSpawning,
		done:   make(chan struct{}),
	}
}

func (h *Handle) PID() int      { return h.pid }
func (h *Handle) Key() string   { return h.spec.Key }
func (h *Handle) RunID() string { return h.spec.RunID }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the process has been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the exit status once Done is closed.
func (h *Handle) Exit() (ExitStatus, bool) {
	select {
	case <-h.done:
		return h.exit, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the process is reaped or ctx ends.
func (h *Handle) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-h.done:
		return h.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

func (h *Handle) setState(to State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setStateLocked(to)
}

func (h *Handle) setStateLocked(to State) bool {
	if !canTransition(h.state, to) {
		return false
	}
	h.state = to
	return true
}

func (h *Handle) touch() {
	h.activity.Store(h.pool.now().UnixNano())
}

func (h *Handle) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.activity.Load()))
}

// terminate moves a running process toward exit. A stall kills immediately;
// a cancel sends SIGTERM and escalates after the grace period.
func (h *Handle) terminate(stalled bool, diagnostic string) {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return
	}
	h.diagnostic = diagnostic
	if stalled {
		h.stalled = true
		h.setStateLocked(StateKilled)
		h.mu.Unlock()
		h.pool.logger.Warn("agent process stalled, killing", "key", h.spec.Key, "pid", h.pid, "diagnostic", diagnostic)
		killGroup(h.pid)
		return
	}
	h.cancelled = true
	h.setStateLocked(StateExiting)
	h.mu.Unlock()

	h.pool.logger.Info("agent process cancel requested", "key", h.spec.Key, "pid", h.pid, "grace_period", h.limits.GracePeriod)
	terminateGroup(h.pid)
	go func() {
		timer := time.NewTimer(h.limits.GracePeriod)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			if h.setState(StateKilled) {
				h.pool.logger.Warn("agent process ignored SIGTERM, killing", "key", h.spec.Key, "pid", h.pid)
				killGroup(h.pid)
			}
		}
	}()
}

func (h *Handle) watchdog(done <-chan struct{}) {
	idle := h.limits.IdleTimeout
	interval := idle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if d := h.idleFor(h.pool.now()); d > idle {
				h.terminate(true, fmt.Sprintf("no output for %s (idle timeout %s)", d.Truncate(time.Millisecond), idle))
				return
			}
		}
	}
}

func (h *Handle) exitStatus(waitErr error, now time.Time) ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	x := ExitStatus{
		Cancelled:  h.cancelled,
		Stalled:    h.stalled,
		Diagnostic: h.diagnostic,
		Duration:   now.Sub(h.startedAt),
	}
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		x.Code = 0
	case errors.As(waitErr, &exitErr):
		x.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			x.Code = -1
			x.Signal = ws.Signal().String()
		}
	default:
		x.Code = -1
		if x.Diagnostic == "" {
			x.Diagnostic = waitErr.Error()
		}
	}
	return x
}

func (h *Handle) finish(x ExitStatus) {
	h.mu.Lock()
	if h.state == StateRunning {
		h.setStateLocked(StateExiting)
	}
	h.setStateLocked(StateTerminated)
	h.exit = x
	h.mu.Unlock()
	close(h.done)
}
