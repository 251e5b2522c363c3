package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
	"github.com/basket/skillforge/internal/pool"
	"github.com/basket/skillforge/internal/runs"
	"github.com/basket/skillforge/internal/shared"
	"github.com/basket/skillforge/internal/telemetry"
)

// execution is one in-flight drive of a skill's session.
type execution struct {
	sessionID string
	done      chan struct{}
	result    Result

	mu        sync.Mutex
	handle    *pool.Handle
	cancelled bool
}

func (ex *execution) cancel(sp Spawner) {
	ex.mu.Lock()
	ex.cancelled = true
	h := ex.handle
	ex.mu.Unlock()
	if h != nil {
		sp.Cancel(h)
	}
}

// attach records the live handle, cancelling it right away when a cancel
// arrived while the process was being spawned.
func (ex *execution) attach(sp Spawner, h *pool.Handle) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.handle = h
	if ex.cancelled {
		sp.Cancel(h)
	}
}

func (ex *execution) detach() {
	ex.mu.Lock()
	ex.handle = nil
	ex.mu.Unlock()
}

func (ex *execution) isCancelled() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cancelled
}

// launch starts driving sess in the background. The caller holds the skill lock.
func (m *Machine) launch(ctx context.Context, sess persistence.Session) {
	ex := &execution{sessionID: sess.ID, done: make(chan struct{})}
	m.mu.Lock()
	m.execs[sess.SkillName] = ex
	m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	ctx = shared.WithSkill(ctx, sess.SkillName)
	ctx = shared.WithSessionID(ctx, sess.ID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res := m.drive(ctx, ex, sess)
		m.finishSession(ctx, sess, res)

		m.mu.Lock()
		if m.execs[sess.SkillName] == ex {
			delete(m.execs, sess.SkillName)
		}
		m.mu.Unlock()
		ex.result = res
		close(ex.done)
	}()
}

// drive runs steps until the pipeline completes, a manual step parks the
// session, or a step fails or is shut down.
func (m *Machine) drive(ctx context.Context, ex *execution, sess persistence.Session) Result {
	res := Result{Skill: sess.SkillName, SessionID: sess.ID}
	logger := shared.Logger(ctx, m.logger)
	for {
		if ex.isCancelled() {
			res.Outcome = OutcomeCancelled
			return res
		}
		sk, err := m.loadForDrive(ctx, sess.SkillName)
		if err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
		i := firstUnfinished(sk)
		res.Step = i
		if i < 0 {
			res.Outcome = OutcomeCompleted
			return res
		}
		step, _ := m.cfg.Pipeline.Step(i)
		switch sk.Status(i) {
		case persistence.StepWaitingForUser:
			res.Outcome = OutcomeWaiting
			return res
		case persistence.StepError:
			res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("step %d: %w", i, ErrStepFailed)
			return res
		}

		if _, err := m.setStatus(ctx, sess.ID, sess.SkillName, i, persistence.StepInProgress); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
			return res
		}
		if step.Kind == pipeline.KindManual {
			if _, err := m.setStatus(ctx, sess.ID, sess.SkillName, i, persistence.StepWaitingForUser); err != nil {
				res.Outcome, res.Err = OutcomeFailed, err
				return res
			}
			logger.Info("waiting for user input", "step", i, "step_id", step.ID)
			res.Outcome = OutcomeWaiting
			return res
		}

		outcome, err := m.runStep(shared.WithStep(ctx, i), ex, sess, step)
		var next persistence.StepStatus
		switch outcome {
		case OutcomeCompleted:
			next = persistence.StepCompleted
		case OutcomeCancelled:
			next = persistence.StepPending
		default:
			next = persistence.StepError
		}
		if _, serr := m.setStatus(ctx, sess.ID, sess.SkillName, i, next); serr != nil {
			logger.Error("record step outcome failed", "step", i, "status", next, "error", serr)
			err = errors.Join(err, serr)
		}
		if outcome != OutcomeCompleted {
			res.Outcome, res.Err = outcome, err
			return res
		}
	}
}

func (m *Machine) loadForDrive(ctx context.Context, skill string) (persistence.Skill, error) {
	unlock := m.lock(skill)
	defer unlock()
	return m.getSkill(ctx, skill)
}

func (m *Machine) finishSession(ctx context.Context, sess persistence.Session, res Result) {
	logger := shared.Logger(ctx, m.logger)
	var status persistence.SessionStatus
	switch res.Outcome {
	case OutcomeCompleted:
		status = persistence.SessionCompleted
	case OutcomeCancelled:
		status = persistence.SessionCancelled
	case OutcomeFailed:
		status = persistence.SessionCrashed
	default:
		// Parked on a manual step: the session stays running with no process.
		if err := m.cfg.Store.SetSessionPID(ctx, sess.ID, 0); err != nil {
			logger.Warn("clear session pid failed", "error", err)
		}
		logger.Info("session parked", "step", res.Step)
		return
	}
	if _, err := m.cfg.Store.EndSession(ctx, sess.ID, status); err != nil {
		logger.Error("end session failed", "status", status, "error", err)
	}
	attrs := []any{"outcome", res.Outcome, "step", res.Step}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err)
		logger.Warn("session ended", attrs...)
		return
	}
	logger.Info("session ended", attrs...)
}

// runStep executes one automated step as an agent process and maps the run's
// final status onto an outcome.
func (m *Machine) runStep(ctx context.Context, ex *execution, sess persistence.Session, step pipeline.Step) (Outcome, error) {
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	logger := shared.Logger(ctx, m.logger)

	ctx, span := otel.StartSpan(ctx, m.tracer, "workflow.step",
		otel.AttrSkill.String(sess.SkillName),
		otel.AttrSessionID.String(sess.ID),
		otel.AttrRunID.String(runID),
		otel.AttrStep.Int(step.Index),
		otel.AttrStepID.String(step.ID),
		otel.AttrModel.String(step.Model),
	)
	outcome, err := m.runStepSpan(ctx, ex, sess, step, runID)
	span.SetAttributes(otel.AttrStatus.String(string(outcome)))
	otel.EndSpan(span, err)
	if err != nil {
		logger.Warn("step run failed", "step_id", step.ID, "outcome", outcome, "error", err)
	}
	return outcome, err
}

func (m *Machine) runStepSpan(ctx context.Context, ex *execution, sess persistence.Session, step pipeline.Step, runID string) (Outcome, error) {
	prompt, err := m.cfg.Pipeline.Prompt(step)
	if err != nil {
		return OutcomeFailed, err
	}
	dir := m.cfg.Workspace.Dir(sess.SkillName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return OutcomeFailed, fmt.Errorf("create skill dir: %w", err)
	}

	stderr, logPath, err := telemetry.OpenAgentLog(m.cfg.HomeDir, runID)
	if err != nil {
		return OutcomeFailed, err
	}
	defer stderr.Close()

	run := runs.NewRun(runID, sess.ID, sess.SkillName, step.Index, step.ID, step.Model, m.cfg.Now().UTC())
	feed, err := m.cfg.Telemetry.Open(ctx, run)
	if err != nil {
		return OutcomeFailed, err
	}

	shared.Logger(ctx, m.logger).Debug("spawning agent", "step_id", step.ID, "dir", dir, "env", shared.RedactEnv(m.cfg.Agent.Env))
	h, err := m.cfg.Spawner.Acquire(ctx, pool.Spec{
		Key:     sess.SkillName,
		RunID:   runID,
		Command: m.cfg.Agent.Command,
		Args:    m.agentArgs(dir, step),
		Dir:     dir,
		Env:     m.agentEnv(),
		Stdin:   prompt,
		OnLine:  feed.HandleLine,
		Stderr:  stderr,
	})
	if err != nil {
		var se *pool.SpawnError
		if errors.As(err, &se) && m.cfg.Metrics != nil {
			m.cfg.Metrics.SpawnErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrReason.String(string(se.Reason))))
		}
		if _, ferr := m.cfg.Telemetry.Finish(ctx, runID, runs.Exit{Code: -1, Diagnostic: err.Error()}); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return OutcomeFailed, err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(otel.AttrModel.String(step.Model)))
		m.cfg.Metrics.ActiveProcesses.Add(ctx, 1)
		defer m.cfg.Metrics.ActiveProcesses.Add(ctx, -1)
	}
	feed.SetPID(h.PID())
	if err := m.cfg.Store.SetSessionPID(ctx, sess.ID, h.PID()); err != nil {
		shared.Logger(ctx, m.logger).Warn("record session pid failed", "pid", h.PID(), "error", err)
	}
	ex.attach(m.cfg.Spawner, h)

	x, _ := h.Wait(context.Background())
	ex.detach()
	if err := m.cfg.Store.SetSessionPID(ctx, sess.ID, 0); err != nil {
		shared.Logger(ctx, m.logger).Warn("clear session pid failed", "error", err)
	}

	final, err := m.cfg.Telemetry.Finish(ctx, runID, runs.Exit{
		Code:       x.Code,
		Signaled:   x.Signal != "",
		Cancelled:  x.Cancelled,
		Stalled:    x.Stalled,
		Diagnostic: x.Diagnostic,
	})
	if err != nil {
		return OutcomeFailed, err
	}

	switch final.Status {
	case runs.StatusShutdown:
		return OutcomeCancelled, nil
	case runs.StatusError:
		return OutcomeFailed, fmt.Errorf("%w (stderr: %s)", final.Err(), logPath)
	}
	if ex.isCancelled() {
		// The agent finished its work before the cancel landed.
		shared.Logger(ctx, m.logger).Info("run completed despite cancel request")
	}
	if missing := missingMarkers(dir, step); len(missing) > 0 {
		return OutcomeFailed, fmt.Errorf("%w: %s", ErrMissingArtifacts, strings.Join(missing, ", "))
	}
	return OutcomeCompleted, nil
}

// agentArgs builds the non-interactive streaming invocation for step.
func (m *Machine) agentArgs(dir string, step pipeline.Step) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if step.Model != "" {
		args = append(args, "--model", step.Model)
	}
	if len(step.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(step.AllowedTools, ","))
	}
	for _, d := range step.AddDirs {
		if !filepath.IsAbs(d) {
			d = filepath.Join(dir, d)
		}
		args = append(args, "--add-dir", d)
	}
	return append(args, m.cfg.Agent.ExtraArgs...)
}

func (m *Machine) agentEnv() []string {
	if len(m.cfg.Agent.Env) == 0 {
		return nil
	}
	env := os.Environ()
	keys := make([]string, 0, len(m.cfg.Agent.Env))
	for k := range m.cfg.Agent.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+m.cfg.Agent.Env[k])
	}
	return env
}

func missingMarkers(dir string, step pipeline.Step) []string {
	if step.Check(dir) == pipeline.EvidenceComplete || !step.Detectable() {
		return nil
	}
	var missing []string
	for _, mk := range step.Markers {
		one := pipeline.Step{Markers: []string{mk}}
		if one.Check(dir) != pipeline.EvidenceComplete {
			missing = append(missing, mk)
		}
	}
	return missing
}

// Status is a read-only view of a skill's progress. Reading it never mints a
// session.
type Status struct {
	Skill   persistence.Skill    `json:"skill"`
	Steps   []StepView           `json:"steps"`
	Session *persistence.Session `json:"session,omitempty"`
	Runs    []runs.Run           `json:"runs,omitempty"`
	Running bool                 `json:"running"`
}

type StepView struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Kind     pipeline.Kind          `json:"kind"`
	Status   persistence.StepStatus `json:"status"`
	Evidence pipeline.Evidence      `json:"evidence"`
}

func (m *Machine) Status(ctx context.Context, skill string) (Status, error) {
	sk, err := m.getSkill(ctx, skill)
	if err != nil {
		return Status{}, err
	}
	dir := m.cfg.Workspace.Dir(skill)
	st := Status{Skill: sk, Running: m.executing(skill)}
	for i, step := range m.cfg.Pipeline.Steps {
		st.Steps = append(st.Steps, StepView{
			Index:    i,
			ID:       step.ID,
			Name:     step.Name,
			Kind:     step.Kind,
			Status:   sk.Status(i),
			Evidence: step.Check(dir),
		})
	}
	sess, err := m.cfg.Store.ActiveSession(ctx, skill)
	switch {
	case err == nil:
		st.Session = &sess
		if st.Runs, err = m.cfg.Store.ListRuns(ctx, sess.ID); err != nil {
			return Status{}, err
		}
	case !errors.Is(err, persistence.ErrNotFound):
		return Status{}, err
	}
	return st, nil
}

// WorkspaceCleaner deletes the non-preserved markers of rerun steps.
type WorkspaceCleaner struct {
	Workspace pipeline.Workspace
}

func (c WorkspaceCleaner) Clean(_ context.Context, skill string, steps []pipeline.Step) error {
	dir := c.Workspace.Dir(skill)
	var errs []error
	for _, s := range steps {
		if _, err := s.RemoveArtifacts(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
