// Package workflow sequences a skill through its pipeline steps.
//
// A Machine owns every mutation of a skill's step statuses. Automated steps
// run as agent processes through the pool; manual steps park the session in
// waiting_for_user until Resume. The machine refuses work until MarkReady is
// called, which the caller does after startup reconciliation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
	"github.com/basket/skillforge/internal/pool"
	"github.com/basket/skillforge/internal/runs"
	"github.com/basket/skillforge/internal/shared"
)

var (
	ErrNotReady          = errors.New("workflow: startup reconciliation has not completed")
	ErrSessionActive     = persistence.ErrSessionActive
	ErrSkillNotFound     = errors.New("skill not found")
	ErrSkillExists       = errors.New("skill already exists")
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrNoActiveSession   = errors.New("no active session")
	ErrPipelineComplete  = errors.New("pipeline already complete")
	ErrStepFailed        = errors.New("step failed; retry or rerun it first")
	ErrMissingArtifacts  = errors.New("missing artifacts")
)

// Store is the persistence surface the machine needs.
type Store interface {
	CreateSkill(ctx context.Context, sk persistence.Skill) error
	GetSkill(ctx context.Context, name string) (persistence.Skill, error)
	SaveSkill(ctx context.Context, sk persistence.Skill) error
	DeleteSkill(ctx context.Context, name string) error
	CreateSession(ctx context.Context, sess persistence.Session) error
	ActiveSession(ctx context.Context, skill string) (persistence.Session, error)
	SetSessionPID(ctx context.Context, sessionID string, pid int) error
	EndSession(ctx context.Context, sessionID string, status persistence.SessionStatus) (bool, error)
	ListRuns(ctx context.Context, sessionID string) ([]runs.Run, error)
}

// Spawner starts and cancels agent processes.
type Spawner interface {
	Acquire(ctx context.Context, spec pool.Spec) (*pool.Handle, error)
	Cancel(h *pool.Handle)
}

// Telemetry registers runs with the aggregator and finalizes them.
type Telemetry interface {
	Open(ctx context.Context, r runs.Run) (*runs.Feed, error)
	Finish(ctx context.Context, runID string, exit runs.Exit) (runs.Run, error)
}

// ArtifactCleaner removes stale on-disk output when steps are rerun.
type ArtifactCleaner interface {
	Clean(ctx context.Context, skill string, steps []pipeline.Step) error
}

type AgentConfig struct {
	Command   string
	ExtraArgs []string
	Env       map[string]string
}

type Config struct {
	Store     Store
	Spawner   Spawner
	Telemetry Telemetry
	Pipeline  *pipeline.Pipeline
	Workspace pipeline.Workspace
	Agent     AgentConfig
	Cleaner   ArtifactCleaner

	// HomeDir receives per-run stderr captures under logs/agents.
	HomeDir string

	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
	Now     func() time.Time
}

// Outcome is how one execution of a skill ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeWaiting   Outcome = "waiting_for_user"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	Skill     string
	SessionID string
	Outcome   Outcome
	Step      int
	Err       error
}

type Machine struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	ready  atomic.Bool

	locks sync.Map // skill name -> *sync.Mutex

	mu    sync.Mutex
	execs map[string]*execution
	wg    sync.WaitGroup
}

func New(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = pipeline.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Machine{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "workflow"),
		tracer: tracer,
		execs:  make(map[string]*execution),
	}
}

// MarkReady allows step execution. It is called once reconciliation is done.
func (m *Machine) MarkReady() { m.ready.Store(true) }

func (m *Machine) Ready() bool { return m.ready.Load() }

func (m *Machine) Pipeline() *pipeline.Pipeline { return m.cfg.Pipeline }

func (m *Machine) lock(skill string) func() {
	v, _ := m.locks.LoadOrStore(skill, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (m *Machine) checkReady() error {
	if !m.Ready() {
		return ErrNotReady
	}
	return nil
}

func (m *Machine) getSkill(ctx context.Context, name string) (persistence.Skill, error) {
	sk, err := m.cfg.Store.GetSkill(ctx, name)
	if errors.Is(err, persistence.ErrNotFound) {
		return persistence.Skill{}, fmt.Errorf("%s: %w", name, ErrSkillNotFound)
	}
	if err != nil {
		return persistence.Skill{}, err
	}
	// A pipeline edited to have more steps extends old records with pending steps.
	for len(sk.StepStatuses) < m.cfg.Pipeline.Len() {
		sk.StepStatuses = append(sk.StepStatuses, persistence.StepPending)
	}
	return sk, nil
}

// Create registers a new skill and writes its workspace marker.
func (m *Machine) Create(ctx context.Context, name, typ string) (persistence.Skill, error) {
	if err := pipeline.ValidateSkillName(name); err != nil {
		return persistence.Skill{}, err
	}
	unlock := m.lock(name)
	defer unlock()

	if _, err := m.cfg.Store.GetSkill(ctx, name); err == nil {
		return persistence.Skill{}, fmt.Errorf("%s: %w", name, ErrSkillExists)
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return persistence.Skill{}, err
	}
	sk := persistence.NewSkill(name, typ, m.cfg.Pipeline.Len())
	if err := m.cfg.Workspace.WriteMarker(pipeline.SkillMarker{Name: name, Type: typ, CreatedAt: m.cfg.Now().UTC()}); err != nil {
		return persistence.Skill{}, err
	}
	if err := m.cfg.Store.CreateSkill(ctx, sk); err != nil {
		return persistence.Skill{}, err
	}
	m.logger.Info("skill created", "skill", name, "type", typ)
	return m.getSkill(ctx, name)
}

// Delete removes the skill record and its workspace directory.
func (m *Machine) Delete(ctx context.Context, name string) error {
	unlock := m.lock(name)
	defer unlock()
	if m.executing(name) {
		return fmt.Errorf("%s: %w", name, ErrSessionActive)
	}
	if _, err := m.cfg.Store.ActiveSession(ctx, name); err == nil {
		return fmt.Errorf("%s: %w", name, ErrSessionActive)
	}
	if err := m.cfg.Store.DeleteSkill(ctx, name); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%s: %w", name, ErrSkillNotFound)
		}
		return err
	}
	if err := m.cfg.Workspace.Remove(name); err != nil {
		return err
	}
	m.logger.Info("skill deleted", "skill", name)
	return nil
}

// Start mints a session and executes the skill from its first unfinished step.
// It is rejected with ErrSessionActive when the skill already has a session.
func (m *Machine) Start(ctx context.Context, skill string) (persistence.Session, error) {
	if err := m.checkReady(); err != nil {
		return persistence.Session{}, err
	}
	unlock := m.lock(skill)
	defer unlock()

	sk, err := m.getSkill(ctx, skill)
	if err != nil {
		return persistence.Session{}, err
	}
	next := firstUnfinished(sk)
	if next < 0 {
		return persistence.Session{}, fmt.Errorf("%s: %w", skill, ErrPipelineComplete)
	}
	if sk.Status(next) == persistence.StepError {
		return persistence.Session{}, fmt.Errorf("%s step %d: %w", skill, next, ErrStepFailed)
	}
	if m.executing(skill) {
		return persistence.Session{}, fmt.Errorf("%s: %w", skill, ErrSessionActive)
	}

	sess := persistence.Session{ID: shared.NewSessionID(), SkillName: skill, StartedAt: m.cfg.Now().UTC()}
	if err := m.cfg.Store.CreateSession(ctx, sess); err != nil {
		return persistence.Session{}, err
	}
	sess.Status = persistence.SessionRunning

	// An in_progress step with no execution was interrupted; it runs again.
	if sk.Status(next) == persistence.StepInProgress {
		if _, err := m.setStatusLocked(ctx, sess.ID, skill, next, persistence.StepPending); err != nil {
			return persistence.Session{}, err
		}
	}
	m.launch(ctx, sess)
	return sess, nil
}

// Resume completes the manual step waiting for user input and continues
// execution. The active session is reused; a new one is minted only when the
// previous session ended (for example across a restart).
func (m *Machine) Resume(ctx context.Context, skill string) (persistence.Session, error) {
	if err := m.checkReady(); err != nil {
		return persistence.Session{}, err
	}
	unlock := m.lock(skill)
	defer unlock()

	if m.executing(skill) {
		return persistence.Session{}, fmt.Errorf("%s: %w", skill, ErrSessionActive)
	}
	sk, err := m.getSkill(ctx, skill)
	if err != nil {
		return persistence.Session{}, err
	}
	waiting := -1
	for i, st := range sk.StepStatuses {
		if st == persistence.StepWaitingForUser {
			waiting = i
			break
		}
	}
	if waiting < 0 {
		return persistence.Session{}, fmt.Errorf("%s: no step is waiting for user input: %w", skill, ErrInvalidTransition)
	}

	sess, err := m.cfg.Store.ActiveSession(ctx, skill)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		sess = persistence.Session{ID: shared.NewSessionID(), SkillName: skill, StartedAt: m.cfg.Now().UTC()}
		if err := m.cfg.Store.CreateSession(ctx, sess); err != nil {
			return persistence.Session{}, err
		}
		sess.Status = persistence.SessionRunning
	case err != nil:
		return persistence.Session{}, err
	}

	if _, err := m.setStatusLocked(ctx, sess.ID, skill, waiting, persistence.StepInProgress); err != nil {
		return persistence.Session{}, err
	}
	if _, err := m.setStatusLocked(ctx, sess.ID, skill, waiting, persistence.StepCompleted); err != nil {
		return persistence.Session{}, err
	}
	m.launch(ctx, sess)
	return sess, nil
}

// Retry moves an errored step back to pending and starts a new session.
func (m *Machine) Retry(ctx context.Context, skill string) (persistence.Session, error) {
	if err := m.checkReady(); err != nil {
		return persistence.Session{}, err
	}
	unlock := m.lock(skill)
	sk, err := m.getSkill(ctx, skill)
	if err != nil {
		unlock()
		return persistence.Session{}, err
	}
	failed := -1
	for i, st := range sk.StepStatuses {
		if st == persistence.StepError {
			failed = i
			break
		}
	}
	if failed < 0 {
		unlock()
		return persistence.Session{}, fmt.Errorf("%s: no step is in error: %w", skill, ErrInvalidTransition)
	}
	if m.executing(skill) {
		unlock()
		return persistence.Session{}, fmt.Errorf("%s: %w", skill, ErrSessionActive)
	}
	if _, err := m.cfg.Store.ActiveSession(ctx, skill); err == nil {
		unlock()
		return persistence.Session{}, fmt.Errorf("%s: %w", skill, ErrSessionActive)
	}
	_, err = m.setStatusLocked(ctx, "", skill, failed, persistence.StepPending)
	unlock()
	if err != nil {
		return persistence.Session{}, err
	}
	return m.Start(ctx, skill)
}

// RerunFrom resets step k and every later step to pending. Their completion
// is discarded; stale artifacts are handed to the ArtifactCleaner. It does not
// start execution.
func (m *Machine) RerunFrom(ctx context.Context, skill string, k int) (persistence.Skill, error) {
	if err := m.checkReady(); err != nil {
		return persistence.Skill{}, err
	}
	if k < 0 || k >= m.cfg.Pipeline.Len() {
		return persistence.Skill{}, fmt.Errorf("step %d out of range [0,%d)", k, m.cfg.Pipeline.Len())
	}
	unlock := m.lock(skill)
	defer unlock()

	if m.executing(skill) {
		return persistence.Skill{}, fmt.Errorf("%s: %w", skill, ErrSessionActive)
	}
	if _, err := m.cfg.Store.ActiveSession(ctx, skill); err == nil {
		return persistence.Skill{}, fmt.Errorf("%s: %w", skill, ErrSessionActive)
	}
	sk, err := m.getSkill(ctx, skill)
	if err != nil {
		return persistence.Skill{}, err
	}
	for i := k; i < len(sk.StepStatuses); i++ {
		sk.StepStatuses[i] = persistence.StepPending
	}
	sk.CurrentStep = max(k-1, 0)
	if err := m.cfg.Store.SaveSkill(ctx, sk); err != nil {
		return persistence.Skill{}, err
	}
	m.logger.Info("rerun requested", "skill", skill, "from_step", k)

	if m.cfg.Cleaner != nil {
		if err := m.cfg.Cleaner.Clean(ctx, skill, m.cfg.Pipeline.Steps[k:]); err != nil {
			m.logger.Warn("artifact cleanup failed", "skill", skill, "from_step", k, "error", err)
		}
	}
	return sk, nil
}

// Cancel stops the skill's active execution. A running agent is shut down
// through the pool; a session parked on a manual step is ended directly.
func (m *Machine) Cancel(ctx context.Context, skill string) error {
	m.mu.Lock()
	ex := m.execs[skill]
	m.mu.Unlock()
	if ex != nil {
		ex.cancel(m.cfg.Spawner)
		m.logger.Info("cancel requested", "skill", skill, "session_id", ex.sessionID)
		return nil
	}

	unlock := m.lock(skill)
	defer unlock()
	sess, err := m.cfg.Store.ActiveSession(ctx, skill)
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("%s: %w", skill, ErrNoActiveSession)
	}
	if err != nil {
		return err
	}
	if _, err := m.cfg.Store.EndSession(ctx, sess.ID, persistence.SessionCancelled); err != nil {
		return err
	}
	m.logger.Info("idle session cancelled", "skill", skill, "session_id", sess.ID)
	return nil
}

// Wait blocks until the skill's current execution ends. It returns a zero
// Result when nothing is executing.
func (m *Machine) Wait(ctx context.Context, skill string) (Result, error) {
	m.mu.Lock()
	ex := m.execs[skill]
	m.mu.Unlock()
	if ex == nil {
		return Result{Skill: skill}, nil
	}
	select {
	case <-ex.done:
		return ex.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close cancels every execution and waits for them to wind down.
func (m *Machine) Close() {
	m.mu.Lock()
	live := make([]*execution, 0, len(m.execs))
	for _, ex := range m.execs {
		live = append(live, ex)
	}
	m.mu.Unlock()
	for _, ex := range live {
		ex.cancel(m.cfg.Spawner)
	}
	m.wg.Wait()
}

func (m *Machine) executing(skill string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.execs[skill]
	return ok
}

// setStatusLocked applies one step transition. The caller holds the skill lock.
func (m *Machine) setStatusLocked(ctx context.Context, sessionID, skill string, i int, to persistence.StepStatus) (persistence.Skill, error) {
	sk, err := m.getSkill(ctx, skill)
	if err != nil {
		return persistence.Skill{}, err
	}
	if i < 0 || i >= len(sk.StepStatuses) {
		return persistence.Skill{}, fmt.Errorf("step %d out of range", i)
	}
	from := sk.StepStatuses[i]
	if !persistence.CanTransition(from, to) {
		return persistence.Skill{}, fmt.Errorf("%s step %d %s -> %s: %w", skill, i, from, to, ErrInvalidTransition)
	}
	sk.StepStatuses[i] = to
	if to == persistence.StepInProgress && i > sk.CurrentStep {
		sk.CurrentStep = i
	}
	if err := m.cfg.Store.SaveSkill(ctx, sk); err != nil {
		return persistence.Skill{}, err
	}

	step, _ := m.cfg.Pipeline.Step(i)
	m.cfg.Bus.Publish(bus.TopicStepChanged, bus.StepChangedEvent{
		Skill:     skill,
		SessionID: sessionID,
		Step:      i,
		StepID:    step.ID,
		From:      string(from),
		To:        string(to),
	})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.StepTransitions.Add(ctx, 1, metric.WithAttributes(otel.AttrStatus.String(string(to))))
	}
	m.logger.Debug("step transition", "skill", skill, "session_id", sessionID, "step", i, "step_id", step.ID, "from", from, "to", to)
	return sk, nil
}

func (m *Machine) setStatus(ctx context.Context, sessionID, skill string, i int, to persistence.StepStatus) (persistence.Skill, error) {
	unlock := m.lock(skill)
	defer unlock()
	return m.setStatusLocked(ctx, sessionID, skill, i, to)
}

func firstUnfinished(sk persistence.Skill) int {
	for i, st := range sk.StepStatuses {
		if st != persistence.StepCompleted {
			return i
		}
	}
	return -1
}
