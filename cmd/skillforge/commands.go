package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/basket/skillforge/internal/config"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
	"github.com/basket/skillforge/internal/tui"
	"github.com/basket/skillforge/internal/workflow"
)

func runInitCommand(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	maxConcurrent := fs.Int("max-concurrent", 0, "maximum concurrent agent processes")
	idleTimeout := fs.Int("idle-timeout", 0, "seconds without output before an agent is stalled")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	home := config.HomeDir()
	if err := config.WriteInitial(home, *maxConcurrent, *idleTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", config.ConfigPath(home))
	return 0
}

func runCreateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	typ := fs.String("type", "", "skill type recorded in the workspace marker")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: skillforge create [-type T] <skill>")
		return 2
	}
	rt, _ := boot(ctx, bootOptions{quiet: true})
	defer rt.Close()

	sk, err := rt.machine.Create(ctx, fs.Arg(0), *typ)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create: %v\n", err)
		return 1
	}
	fmt.Printf("created %s at %s\n", sk.Name, rt.workspace.Dir(sk.Name))
	return 0
}

// runExecuteCommand starts, resumes or retries a skill and follows it until
// the session ends or parks on a manual step.
func runExecuteCommand(ctx context.Context, cmd string, args []string) int {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: skillforge %s <skill>\n", cmd)
		return 2
	}
	skill := args[0]
	rt, _ := boot(ctx, bootOptions{quiet: true})
	defer rt.Close()

	sk, err := rt.store.GetSkill(ctx, skill)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return 1
	}

	sub := rt.bus.Subscribe("")
	var sess persistence.Session
	switch cmd {
	case "start":
		sess, err = rt.machine.Start(ctx, skill)
	case "resume":
		sess, err = rt.machine.Resume(ctx, skill)
	case "retry":
		sess, err = rt.machine.Retry(ctx, skill)
	}
	if err != nil {
		rt.bus.Unsubscribe(sub)
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return 1
	}
	rt.logger.Info("session started", "skill", skill, "session_id", sess.ID, "command", cmd)

	summary, err := rt.followSession(ctx, sub, sk)
	if summary.Interrupted || errors.Is(err, context.Canceled) {
		return rt.cancelAndReport(skill)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
	}

	if !summary.Parked && summary.SessionStatus == "" {
		fmt.Println("view closed; waiting for the session to finish (ctrl+c to cancel)")
	}
	res, err := rt.machine.Wait(ctx, skill)
	if err != nil {
		return rt.cancelAndReport(skill)
	}
	if res.Outcome == "" {
		// The execution had already ended; the view saw how.
		res = resultFromSummary(skill, summary)
	}
	return reportResult(os.Stdout, rt.pipeline.Steps, res)
}

func resultFromSummary(skill string, s tui.Summary) workflow.Result {
	res := workflow.Result{Skill: skill, Step: -1}
	switch {
	case s.Parked:
		res.Outcome, res.Step = workflow.OutcomeWaiting, s.ParkedStep
	case s.SessionStatus == string(persistence.SessionCompleted):
		res.Outcome = workflow.OutcomeCompleted
	case s.SessionStatus == string(persistence.SessionCancelled):
		res.Outcome = workflow.OutcomeCancelled
	default:
		res.Outcome = workflow.OutcomeFailed
	}
	return res
}

func (rt *runtime) cancelAndReport(skill string) int {
	bg := context.Background()
	if err := rt.machine.Cancel(bg, skill); err != nil && !errors.Is(err, workflow.ErrNoActiveSession) {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
	}
	res, _ := rt.machine.Wait(bg, skill)
	if res.Outcome == "" {
		res.Outcome = workflow.OutcomeCancelled
	}
	return reportResult(os.Stdout, rt.pipeline.Steps, res)
}

func reportResult(w io.Writer, steps []pipeline.Step, res workflow.Result) int {
	stepLabel := "the current step"
	if res.Step >= 0 && res.Step < len(steps) {
		stepLabel = fmt.Sprintf("step %d (%s)", res.Step, steps[res.Step].ID)
	}
	switch res.Outcome {
	case workflow.OutcomeCompleted:
		fmt.Fprintf(w, "%s: pipeline complete\n", res.Skill)
		return 0
	case workflow.OutcomeWaiting:
		fmt.Fprintf(w, "%s: %s is waiting for you; run `skillforge resume %s` when it is done\n", res.Skill, stepLabel, res.Skill)
		return 0
	case workflow.OutcomeCancelled:
		fmt.Fprintf(w, "%s: cancelled at %s; run `skillforge start %s` to continue\n", res.Skill, stepLabel, res.Skill)
		return 1
	default:
		msg := "failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		fmt.Fprintf(w, "%s: %s failed: %s; fix and run `skillforge retry %s`\n", res.Skill, stepLabel, msg, res.Skill)
		return 1
	}
}

func runRerunCommand(ctx context.Context, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: skillforge rerun <skill> <step>")
		return 2
	}
	rt, _ := boot(ctx, bootOptions{quiet: true})
	defer rt.Close()

	step, err := resolveStep(rt.pipeline.Steps, args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "rerun: %v\n", err)
		return 2
	}
	sk, err := rt.machine.RerunFrom(ctx, args[0], step)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rerun: %v\n", err)
		return 1
	}
	fmt.Printf("%s: steps %d.. reset to pending; run `skillforge start %s`\n", sk.Name, step, sk.Name)
	return 0
}

// resolveStep accepts a step index or a step id.
func resolveStep(steps []pipeline.Step, raw string) (int, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 || n >= len(steps) {
			return 0, fmt.Errorf("step %d out of range [0,%d)", n, len(steps))
		}
		return n, nil
	}
	for i, s := range steps {
		if s.ID == raw {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", raw)
}

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print JSON")
	history := fs.Int("history", 0, "also list the skill's last N sessions")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	view, closeView, err := openStatusView(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer closeView()

	if fs.NArg() == 0 {
		skills, err := view.store.ListSkills(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		if *jsonOutput {
			return writeJSON(os.Stdout, skills)
		}
		writeSkillTable(os.Stdout, view.pipeline.Steps, skills)
		return 0
	}

	st, err := view.machine.Status(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	var sessions []persistence.Session
	if *history > 0 {
		if sessions, err = view.store.ListSessions(ctx, fs.Arg(0), *history); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
	}
	if *jsonOutput {
		return writeJSON(os.Stdout, struct {
			workflow.Status
			History []persistence.Session `json:"history,omitempty"`
		}{st, sessions})
	}
	writeStatus(os.Stdout, st)
	if len(sessions) > 0 {
		writeHistory(os.Stdout, sessions)
	}
	return 0
}

type statusView struct {
	store    *persistence.Store
	pipeline *pipeline.Pipeline
	machine  *workflow.Machine
}

// openStatusView boots the runtime, reconciling first, when the home is
// free. While another process holds it the store is only read: reconciling
// under a live serve would end its sessions and roll back its steps.
func openStatusView(ctx context.Context) (statusView, func(), error) {
	home := config.HomeDir()
	lock, err := config.LockHome(home)
	switch {
	case err == nil:
		_ = lock.Unlock()
		rt, _ := boot(ctx, bootOptions{quiet: true})
		return statusView{store: rt.store, pipeline: rt.pipeline, machine: rt.machine}, rt.Close, nil
	case !errors.Is(err, config.ErrHomeLocked):
		return statusView{}, nil, err
	}

	cfg, err := config.Load()
	if err != nil && !errors.Is(err, config.ErrPoolLimitsRequired) {
		return statusView{}, nil, err
	}
	p, err := pipeline.Load(cfg.PipelineFile)
	if err != nil {
		return statusView{}, nil, err
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		return statusView{}, nil, err
	}
	fmt.Fprintln(os.Stderr, "another skillforge process is running; showing the stored state without reconciling")
	m := workflow.New(workflow.Config{
		Store:     store,
		Pipeline:  p,
		Workspace: pipeline.Workspace{Root: cfg.WorkspaceDir},
	})
	return statusView{store: store, pipeline: p, machine: m}, func() { _ = store.Close() }, nil
}

func writeSkillTable(w io.Writer, steps []pipeline.Step, skills []persistence.Skill) {
	if len(skills) == 0 {
		fmt.Fprintln(w, "no skills; create one with `skillforge create <skill>`")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SKILL\tTYPE\tSTEP\tSTATUS\tUPDATED")
	for _, sk := range skills {
		id := ""
		if sk.CurrentStep >= 0 && sk.CurrentStep < len(steps) {
			id = steps[sk.CurrentStep].ID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d %s\t%s\t%s\n", sk.Name, sk.Type, sk.CurrentStep, id,
			sk.Status(sk.CurrentStep), sk.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

func writeStatus(w io.Writer, st workflow.Status) {
	fmt.Fprintf(w, "%s (type %q)\n", st.Skill.Name, st.Skill.Type)
	if st.Session != nil {
		fmt.Fprintf(w, "session %s %s since %s\n", st.Session.ID, st.Session.Status, st.Session.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTEP\tKIND\tSTATUS\tEVIDENCE")
	for _, s := range st.Steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Index, s.ID, s.Kind, s.Status, s.Evidence)
	}
	_ = tw.Flush()
	var cost float64
	for _, r := range st.Runs {
		cost += r.TotalCostUSD
	}
	if len(st.Runs) > 0 {
		fmt.Fprintf(w, "%d runs this session, $%.4f\n", len(st.Runs), cost)
	}
}

func writeHistory(w io.Writer, sessions []persistence.Session) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tSTARTED\tENDED")
	for _, s := range sessions {
		ended := "-"
		if !s.EndedAt.IsZero() {
			ended = s.EndedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Status, s.StartedAt.Local().Format("2006-01-02 15:04:05"), ended)
	}
	_ = tw.Flush()
}

func runReconcileCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rt, report := boot(ctx, bootOptions{quiet: true})
	defer rt.Close()

	if *jsonOutput {
		return writeJSON(os.Stdout, report)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SKILL\tSCENARIO\tMUTATIONS\tDETAIL")
	for _, s := range report.Skills {
		detail := s.Detail
		if s.Error != "" {
			detail = "error: " + s.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Skill, s.Scenario, s.Mutations, detail)
	}
	_ = tw.Flush()
	for _, name := range report.Skipped {
		fmt.Printf("skipped %s: agent process still alive\n", name)
	}
	if len(report.Reclaimed) > 0 {
		fmt.Printf("reclaimed %d dead sessions\n", len(report.Reclaimed))
	}
	fmt.Printf("%d mutations in %s\n", report.Mutations, report.Duration)
	for _, s := range report.Skills {
		if s.Error != "" {
			return 1
		}
	}
	return 0
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: skillforge backup <file>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil && !errors.Is(err, config.ErrPoolLimitsRequired) {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()
	if err := store.Backup(ctx, args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "backup: %v\n", err)
		return 1
	}
	fmt.Printf("backed up %s to %s\n", cfg.DBPath(), args[0])
	return 0
}

func writeJSON(w io.Writer, v any) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}
