// Package reconcile repairs divergence between the persisted skill records
// and the artifacts a previous, possibly crashed, run left in the workspace.
// It runs once at startup before any step executes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/skillforge/internal/audit"
	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/liveness"
	"github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
)

type Store interface {
	ListSkills(ctx context.Context) ([]persistence.Skill, error)
	SaveSkill(ctx context.Context, sk persistence.Skill) error
	ListActiveSessions(ctx context.Context) ([]persistence.Session, error)
	EndSession(ctx context.Context, sessionID string, status persistence.SessionStatus) (bool, error)
	InterruptRuns(ctx context.Context, sessionID string) (int64, error)
}

// ProcessTracker reports processes supervised in this program. *pool.Pool
// satisfies it.
type ProcessTracker interface {
	Owns(pid int) bool
}

// JournalFunc records one correction. audit.Record is the default.
type JournalFunc func(ctx context.Context, skill, scenario string, mutations int, detail string) error

type Config struct {
	Store     Store
	Pipeline  *pipeline.Pipeline
	Workspace pipeline.Workspace
	Liveness  liveness.Checker
	Processes ProcessTracker
	Journal   JournalFunc
	Bus       *bus.Bus
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Metrics   *otel.Metrics
}

// SkillResult is the outcome for one skill.
type SkillResult struct {
	Skill     string   `json:"skill"`
	Scenario  string   `json:"scenario"`
	Detail    string   `json:"detail"`
	Mutations int      `json:"mutations"`
	Removed   []string `json:"removed,omitempty"`
	Error     string   `json:"error,omitempty"`
}

type Report struct {
	Skills    []SkillResult `json:"skills"`
	Reclaimed []string      `json:"reclaimed_sessions,omitempty"`
	// Skipped lists skills left alone because an agent process is still alive.
	Skipped   []string      `json:"skipped_skills,omitempty"`
	Mutations int           `json:"mutations"`
	Duration  time.Duration `json:"duration_ns"`
}

// Scenario returns the result for skill, if it was reconciled.
func (r Report) Scenario(skill string) (SkillResult, bool) {
	for _, s := range r.Skills {
		if s.Skill == skill {
			return s, true
		}
	}
	return SkillResult{}, false
}

type Engine struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	journal JournalFunc
	live    liveness.Checker
}

func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconcile: store is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("reconcile: pipeline is required")
	}
	if cfg.Workspace.Root == "" {
		return nil, errors.New("reconcile: workspace root is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	journal := cfg.Journal
	if journal == nil {
		journal = audit.Record
	}
	live := cfg.Liveness
	if live == nil {
		live = liveness.OS{}
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "reconcile"),
		tracer:  tracer,
		journal: journal,
		live:    live,
	}, nil
}

// Run performs one reconciliation pass. Per-skill failures are logged and
// reported in the result; only failing to enumerate skills is an error.
func (e *Engine) Run(ctx context.Context) (rep Report, err error) {
	start := time.Now()
	ctx, span := otel.StartSpan(ctx, e.tracer, "reconcile.run")
	defer func() {
		rep.Duration = time.Since(start)
		otel.EndSpan(span, err)
	}()

	busy, err := e.reclaim(ctx, &rep)
	if err != nil {
		return rep, err
	}

	records, err := e.cfg.Store.ListSkills(ctx)
	if err != nil {
		return rep, fmt.Errorf("list skills: %w", err)
	}
	byName := make(map[string]persistence.Skill, len(records))
	for _, sk := range records {
		byName[sk.Name] = sk
	}
	onDisk, err := e.cfg.Workspace.Discover(e.cfg.Pipeline)
	if err != nil {
		return rep, err
	}
	names := make([]string, 0, len(byName)+len(onDisk))
	for name := range byName {
		names = append(names, name)
	}
	for _, name := range onDisk {
		if _, ok := byName[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if busy[name] {
			continue
		}
		var rec *persistence.Skill
		if sk, ok := byName[name]; ok {
			rec = &sk
		}
		res := e.reconcileSkill(ctx, name, rec)
		rep.Skills = append(rep.Skills, res)
		rep.Mutations += res.Mutations
	}

	e.logger.Info("reconciliation complete",
		"skills", len(rep.Skills),
		"skipped", len(rep.Skipped),
		"sessions_reclaimed", len(rep.Reclaimed),
		"mutations", rep.Mutations,
		"duration", time.Since(start),
	)
	return rep, nil
}

// reclaim ends sessions whose agent process is gone and returns the skills
// that still have a live process.
func (e *Engine) reclaim(ctx context.Context, rep *Report) (map[string]bool, error) {
	sessions, err := e.cfg.Store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	busy := make(map[string]bool)
	for _, sess := range sessions {
		if sess.PID > 0 && (e.owned(sess.PID) || e.live.Alive(sess.PID)) {
			if !busy[sess.SkillName] {
				rep.Skipped = append(rep.Skipped, sess.SkillName)
			}
			busy[sess.SkillName] = true
			e.logger.Warn("skill has a live agent process, skipping", "skill", sess.SkillName, "session_id", sess.ID, "pid", sess.PID)
			continue
		}
		// A session without a pid was parked between steps; nothing crashed.
		status := persistence.SessionCancelled
		if sess.PID > 0 {
			status = persistence.SessionCrashed
		}
		ended, err := e.cfg.Store.EndSession(ctx, sess.ID, status)
		if err != nil {
			e.logger.Error("end stale session", "session_id", sess.ID, "error", err)
			continue
		}
		if !ended {
			continue
		}
		n, err := e.cfg.Store.InterruptRuns(ctx, sess.ID)
		if err != nil {
			e.logger.Error("interrupt stale runs", "session_id", sess.ID, "error", err)
		}
		rep.Reclaimed = append(rep.Reclaimed, sess.ID)
		rep.Mutations++
		e.logger.Info("stale session reclaimed",
			"skill", sess.SkillName,
			"session_id", sess.ID,
			"pid", sess.PID,
			"status", status,
			"runs_interrupted", n,
		)
	}
	return busy, nil
}

func (e *Engine) owned(pid int) bool {
	return e.cfg.Processes != nil && e.cfg.Processes.Owns(pid)
}

func (e *Engine) reconcileSkill(ctx context.Context, name string, rec *persistence.Skill) SkillResult {
	p := e.cfg.Pipeline
	dir := e.cfg.Workspace.Dir(name)
	highest := p.HighestComplete(dir)
	if rec != nil {
		norm := normalize(*rec, p.Len())
		rec = &norm
	}
	sc := Classify(p, rec, highest, e.cfg.Workspace.HasMarker(name))

	ctx, span := otel.StartSpan(ctx, e.tracer, "reconcile.skill",
		otel.AttrSkill.String(name),
		otel.AttrScenario.String(sc.Name()),
	)
	res := SkillResult{Skill: name, Scenario: sc.Name(), Detail: sc.String()}
	var err error
	switch s := sc.(type) {
	case DiskOnly:
		err = e.applyDiskOnly(ctx, name, s, &res)
	case DBAhead:
		err = e.applyDBAhead(ctx, *rec, s, highest, &res)
	case DiskAhead:
		err = e.applyDiskAhead(ctx, *rec, s, &res)
	case MissingMarker:
		err = e.applyMissingMarker(ctx, *rec, highest, &res)
	case InSync:
		err = e.save(ctx, *rec, markEvidenced(p, rec.Clone(), dir, highest), &res)
	default:
		panic(fmt.Sprintf("reconcile: unhandled scenario %T", sc))
	}
	otel.EndSpan(span, err)

	if err != nil {
		res.Error = err.Error()
		e.logger.Error("reconcile skill", "skill", name, "scenario", sc.Name(), "error", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ReconcileScenarios.Add(ctx, 1, metric.WithAttributes(otel.AttrScenario.String(sc.Name())))
		e.cfg.Metrics.ReconcileMutations.Add(ctx, int64(res.Mutations))
	}
	if sc.Name() != NameInSync || res.Mutations > 0 {
		e.logger.Info("skill reconciled", "skill", name, "scenario", sc.Name(), "mutations", res.Mutations, "detail", res.Detail)
		detail := res.Detail
		if len(res.Removed) > 0 {
			detail += "; removed " + strings.Join(res.Removed, ", ")
		}
		if jerr := e.journal(ctx, name, sc.Name(), res.Mutations, detail); jerr != nil {
			e.logger.Warn("journal reconciliation", "skill", name, "error", jerr)
		}
	} else {
		e.logger.Debug("skill in sync", "skill", name, "highest_step", highest)
	}
	e.cfg.Bus.Publish(bus.TopicReconciled, bus.ReconciledEvent{
		Skill:     name,
		Scenario:  sc.Name(),
		Mutations: res.Mutations,
		Detail:    res.Detail,
	})
	return res
}

// Classify assigns exactly one scenario. rec is nil when the store has no
// record; highest is the highest step whose markers all exist, or -1.
func Classify(p *pipeline.Pipeline, rec *persistence.Skill, highest int, hasMarker bool) Scenario {
	if rec == nil {
		return DiskOnly{Highest: highest}
	}
	claimed := claimedStep(*rec)
	if highest > claimed {
		return DiskAhead{Claimed: claimed, Highest: highest}
	}
	if confirmed := confirmedStep(p, *rec, highest, claimed); confirmed < claimed {
		return DBAhead{Claimed: claimed, Confirmed: confirmed}
	}
	if !hasMarker {
		return MissingMarker{}
	}
	return InSync{Highest: highest}
}

// claimedStep is the furthest step the record says was entered. A current
// step back to pending after a cancel or stall still counts: it may have left
// partial output. Only step 0 pending means nothing was entered, since that
// is also the state of a fresh record.
func claimedStep(sk persistence.Skill) int {
	c := min(sk.CurrentStep, len(sk.StepStatuses)-1)
	if c < 0 {
		return -1
	}
	if c == 0 && sk.Status(0) == persistence.StepPending {
		return -1
	}
	return c
}

// confirmedStep extends the disk evidence over following undetectable steps
// the record holds as completed. An undetectable step parked for the user is
// confirmed when it is the claimed step.
func confirmedStep(p *pipeline.Pipeline, sk persistence.Skill, highest, claimed int) int {
	confirmed := highest
	for i := highest + 1; i <= claimed; i++ {
		step, ok := p.Step(i)
		if !ok || step.Detectable() {
			break
		}
		st := sk.Status(i)
		if st == persistence.StepCompleted || (i == claimed && st == persistence.StepWaitingForUser) {
			confirmed = i
			continue
		}
		break
	}
	return confirmed
}

func (e *Engine) applyDiskOnly(ctx context.Context, name string, s DiskOnly, res *SkillResult) error {
	var typ string
	if m, err := e.cfg.Workspace.ReadMarker(name); err == nil {
		typ = m.Type
	}
	sk := persistence.NewSkill(name, typ, e.cfg.Pipeline.Len())
	for i := 0; i <= s.Highest; i++ {
		sk.StepStatuses[i] = persistence.StepCompleted
	}
	sk.CurrentStep = max(s.Highest, 0)
	if err := e.cfg.Store.SaveSkill(ctx, sk); err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	res.Mutations++
	return e.ensureMarker(sk, res)
}

func (e *Engine) applyDBAhead(ctx context.Context, rec persistence.Skill, s DBAhead, highest int, res *SkillResult) error {
	p := e.cfg.Pipeline
	dir := e.cfg.Workspace.Dir(rec.Name)

	want := rec.Clone()
	for i := s.Confirmed + 1; i < len(want.StepStatuses); i++ {
		want.StepStatuses[i] = persistence.StepPending
	}
	want.CurrentStep = max(s.Confirmed, 0)
	want = markEvidenced(p, want, dir, highest)

	var errs []error
	for i := s.Confirmed + 1; i < p.Len(); i++ {
		step, _ := p.Step(i)
		removed, err := step.RemoveArtifacts(dir)
		for _, r := range removed {
			res.Removed = append(res.Removed, step.ID+":"+r)
		}
		res.Mutations += len(removed)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.save(ctx, rec, want, res); err != nil {
		errs = append(errs, err)
	}
	if err := e.ensureMarker(want, res); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) applyDiskAhead(ctx context.Context, rec persistence.Skill, s DiskAhead, res *SkillResult) error {
	want := rec.Clone()
	for i := 0; i <= s.Highest; i++ {
		want.StepStatuses[i] = persistence.StepCompleted
	}
	want.CurrentStep = s.Highest
	if err := e.save(ctx, rec, want, res); err != nil {
		return err
	}
	return e.ensureMarker(want, res)
}

func (e *Engine) applyMissingMarker(ctx context.Context, rec persistence.Skill, highest int, res *SkillResult) error {
	dir := e.cfg.Workspace.Dir(rec.Name)
	if err := e.save(ctx, rec, markEvidenced(e.cfg.Pipeline, rec.Clone(), dir, highest), res); err != nil {
		return err
	}
	return e.ensureMarker(rec, res)
}

// save persists want when it differs from rec, counting each changed field.
func (e *Engine) save(ctx context.Context, rec, want persistence.Skill, res *SkillResult) error {
	n := diff(rec, want)
	if n == 0 {
		return nil
	}
	if err := e.cfg.Store.SaveSkill(ctx, want); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	res.Mutations += n
	return nil
}

func (e *Engine) ensureMarker(sk persistence.Skill, res *SkillResult) error {
	if e.cfg.Workspace.HasMarker(sk.Name) {
		return nil
	}
	if err := e.cfg.Workspace.WriteMarker(pipeline.SkillMarker{Name: sk.Name, Type: sk.Type}); err != nil {
		return err
	}
	res.Mutations++
	return nil
}

// normalize fits the status slice to the pipeline length.
func normalize(sk persistence.Skill, n int) persistence.Skill {
	sk = sk.Clone()
	for len(sk.StepStatuses) < n {
		sk.StepStatuses = append(sk.StepStatuses, persistence.StepPending)
	}
	sk.StepStatuses = sk.StepStatuses[:n]
	if sk.CurrentStep >= n {
		sk.CurrentStep = n - 1
	}
	return sk
}

// markEvidenced completes every detectable step up to highest whose markers
// all exist.
func markEvidenced(p *pipeline.Pipeline, sk persistence.Skill, dir string, highest int) persistence.Skill {
	for i := 0; i <= highest && i < len(sk.StepStatuses); i++ {
		step, _ := p.Step(i)
		if step.Check(dir) == pipeline.EvidenceComplete {
			sk.StepStatuses[i] = persistence.StepCompleted
		}
	}
	return sk
}

func diff(a, b persistence.Skill) int {
	n := 0
	if a.CurrentStep != b.CurrentStep {
		n++
	}
	if a.Type != b.Type {
		n++
	}
	for i := range max(len(a.StepStatuses), len(b.StepStatuses)) {
		if a.Status(i) != b.Status(i) {
			n++
		}
	}
	return n
}
