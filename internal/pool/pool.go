// Package pool spawns and supervises one agent process per pipeline step.
//
// The pool enforces a global concurrency ceiling and at most one live process
// per key (a skill name). Cancellation is two-phase: SIGTERM to the process
// group, then SIGKILL after the grace period. A process that produces no
// stdout line for longer than the idle timeout is killed as stalled.
package pool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/basket/skillforge/internal/bus"
)

// ErrClosed is wrapped by SpawnError once Close has been called.
var ErrClosed = errors.New("pool closed")

type Reason string

const (
	ReasonRuntimeUnavailable Reason = "runtime_unavailable"
	ReasonCeilingReached     Reason = "ceiling_reached"
	ReasonSessionBusy        Reason = "session_busy"
	ReasonStartFailed        Reason = "start_failed"
)

// SpawnError reports a process that could not be started. Spawn failures are
// never retried by the pool.
type SpawnError struct {
	Reason Reason
	Key    string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Key, e.Reason)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Limits are supplied by configuration; the pool has no built-in defaults.
type Limits struct {
	MaxConcurrent int
	IdleTimeout   time.Duration
	GracePeriod   time.Duration
}

func (l Limits) validate() error {
	if l.MaxConcurrent <= 0 {
		return errors.New("pool: max concurrent must be positive")
	}
	if l.IdleTimeout <= 0 {
		return errors.New("pool: idle timeout must be positive")
	}
	if l.GracePeriod < 0 {
		return errors.New("pool: grace period must not be negative")
	}
	return nil
}

// Spec describes one agent invocation.
type Spec struct {
	// Key serializes processes: at most one live process per key.
	Key   string
	RunID string

	Command string
	Args    []string
	Dir     string
	Env     []string
	Stdin   []byte

	// OnLine receives each stdout line without its trailing newline, in
	// emission order. The slice is not reused by the pool.
	OnLine func(line []byte)
	Stderr io.Writer
}

type Config struct {
	Limits Limits
	Logger *slog.Logger
	Bus    *bus.Bus

	// LookPath resolves Spec.Command. Defaults to exec.LookPath.
	LookPath func(string) (string, error)
	Now      func() time.Time
}

type Pool struct {
	logger   *slog.Logger
	bus      *bus.Bus
	lookPath func(string) (string, error)
	now      func() time.Time

	mu     sync.Mutex
	limits Limits
	active map[string]*Handle
	reaped map[int]time.Time
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config) (*Pool, error) {
	if err := cfg.Limits.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookPath := cfg.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pool{
		logger:   logger.With("component", "pool"),
		bus:      cfg.Bus,
		lookPath: lookPath,
		now:      now,
		limits:   cfg.Limits,
		active:   make(map[string]*Handle),
		reaped:   make(map[int]time.Time),
	}, nil
}

// SetLimits replaces the live limits. Running processes keep the limits they
// were started with except for the ceiling, which applies to new spawns.
func (p *Pool) SetLimits(l Limits) error {
	if err := l.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.limits = l
	p.mu.Unlock()
	p.logger.Info("pool limits updated",
		"max_concurrent", l.MaxConcurrent,
		"idle_timeout", l.IdleTimeout,
		"grace_period", l.GracePeriod,
	)
	return nil
}

func (p *Pool) Limits() Limits {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limits
}

// Active returns the number of live processes.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Owns reports whether pid belongs to a process supervised by this pool,
// including processes reaped within the last reapedRetention.
func (p *Pool) Owns(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.active {
		if h.pid == pid {
			return true
		}
	}
	_, ok := p.reaped[pid]
	return ok
}

// Acquire spawns the process described by spec. It fails fast with a
// *SpawnError and never queues.
func (p *Pool) Acquire(ctx context.Context, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Reason: ReasonStartFailed, Key: spec.Key, Err: err}
	}
	bin, err := p.lookPath(spec.Command)
	if err != nil {
		return nil, &SpawnError{Reason: ReasonRuntimeUnavailable, Key: spec.Key, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, &SpawnError{Reason: ReasonRuntimeUnavailable, Key: spec.Key, Err: ErrClosed}
	}
	if _, busy := p.active[spec.Key]; busy {
		return nil, &SpawnError{Reason: ReasonSessionBusy, Key: spec.Key}
	}
	if len(p.active) >= p.limits.MaxConcurrent {
		return nil, &SpawnError{
			Reason: ReasonCeilingReached,
			Key:    spec.Key,
			Err:    fmt.Errorf("%d of %d slots in use", len(p.active), p.limits.MaxConcurrent),
		}
	}

	cmd := exec.Command(bin, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	if spec.Stderr != nil {
		cmd.Stderr = spec.Stderr
	}
	configureProcess(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Reason: ReasonStartFailed, Key: spec.Key, Err: err}
	}

	h := newHandle(p, spec, p.limits)
	if err := cmd.Start(); err != nil {
		h.setState(StateTerminated)
		return nil, &SpawnError{Reason: ReasonStartFailed, Key: spec.Key, Err: err}
	}
	h.cmd = cmd
	h.pid = cmd.Process.Pid
	h.startedAt = p.now()
	h.touch()
	h.setState(StateRunning)
	p.active[spec.Key] = h

	p.wg.Add(1)
	go p.supervise(h, stdout)

	p.logger.Info("agent process spawned", "key", spec.Key, "run_id", spec.RunID, "pid", h.pid, "command", spec.Command)
	p.bus.Publish(bus.TopicProcessSpawned, bus.ProcessEvent{Key: spec.Key, RunID: spec.RunID, PID: h.pid})
	return h, nil
}

// Cancel requests cooperative shutdown of h, escalating to a forced kill
// after the grace period. It returns immediately; use Handle.Wait for the exit.
func (p *Pool) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.terminate(false, "cancelled")
}

func (p *Pool) supervise(h *Handle, stdout io.ReadCloser) {
	defer p.wg.Done()

	watchdogDone := make(chan struct{})
	go h.watchdog(watchdogDone)

	readErr := readLines(stdout, maxLineBytes, func(line []byte) {
		h.touch()
		if h.spec.OnLine != nil {
			h.spec.OnLine(line)
		}
	})
	waitErr := h.cmd.Wait()
	close(watchdogDone)

	status := h.exitStatus(waitErr, p.now())
	if readErr != nil && status.Diagnostic == "" {
		status.Diagnostic = "stdout: " + readErr.Error()
	}

	p.mu.Lock()
	if p.active[h.spec.Key] == h {
		delete(p.active, h.spec.Key)
	}
	p.reaped[h.pid] = p.now()
	p.mu.Unlock()

	h.finish(status)

	p.logger.Info("agent process exited",
		"key", h.spec.Key,
		"run_id", h.spec.RunID,
		"pid", h.pid,
		"exit_code", status.Code,
		"signal", status.Signal,
		"cancelled", status.Cancelled,
		"stalled", status.Stalled,
		"duration", status.Duration,
	)
	p.bus.Publish(bus.TopicProcessExited, bus.ProcessEvent{
		Key:      h.spec.Key,
		RunID:    h.spec.RunID,
		PID:      h.pid,
		ExitCode: status.Code,
		Reason:   status.reason(),
	})
}

// Close cancels every live process and waits for them to be reaped.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	live := make([]*Handle, 0, len(p.active))
	for _, h := range p.active {
		live = append(live, h)
	}
	p.mu.Unlock()
	for _, h := range live {
		h.terminate(false, "pool shutting down")
	}
	p.wg.Wait()
}

const maxLineBytes = 16 << 20

// readLines splits r on newlines. Lines longer than limit are truncated to
// their first limit bytes rather than aborting the stream.
func readLines(r io.Reader, limit int, fn func([]byte)) error {
	br := bufio.NewReaderSize(r, 64<<10)
	var buf []byte
	overflow := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !overflow {
			if room := limit - len(buf); len(chunk) > room {
				buf = append(buf, chunk[:room]...)
				overflow = true
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			emit(buf, fn)
			buf, overflow = nil, false
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			emit(buf, fn)
			return nil
		default:
			emit(buf, fn)
			return err
		}
	}
}

func emit(buf []byte, fn func([]byte)) {
	line := bytes.TrimRight(buf, "\r\n")
	if len(line) == 0 {
		return
	}
	fn(line)
}
