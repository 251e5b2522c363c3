// Package tui renders a live view of one skill's session: the pipeline's
// step statuses, the agent run in flight and a feed of finished runs. It is
// fed entirely from the event bus.
package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
	"github.com/basket/skillforge/internal/runs"
)

// Interactive reports whether f is a terminal the live view can draw on.
// SKILLFORGE_NO_TUI forces the plain line output.
func Interactive(f *os.File) bool {
	if os.Getenv("SKILLFORGE_NO_TUI") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type Config struct {
	Bus      *bus.Bus
	Pipeline *pipeline.Pipeline
	Skill    persistence.Skill

	// Sub, when set, is an existing subscription to read from. Callers
	// subscribe before starting the session so no early event is missed.
	// The renderer unsubscribes it on return.
	Sub *bus.Subscription
}

func (c Config) subscribe() *bus.Subscription {
	if c.Sub != nil {
		return c.Sub
	}
	return c.Bus.Subscribe("")
}

// Summary is how the view ended.
type Summary struct {
	// SessionStatus is the terminal session status, or empty if the view
	// ended before the session did.
	SessionStatus string
	// Parked is set when the session stopped on a manual step.
	Parked     bool
	ParkedStep int
	// Interrupted is set when the user pressed ctrl+c.
	Interrupted bool
	Cost        float64
}

// tracker folds bus events for one skill. Both renderers share it.
type tracker struct {
	skill    string
	pipeline *pipeline.Pipeline
	statuses []persistence.StepStatus
	current  *runs.Run
	feed     *RunFeed
	summary  Summary
	done     bool
}

func newTracker(cfg Config) *tracker {
	statuses := make([]persistence.StepStatus, cfg.Pipeline.Len())
	for i := range statuses {
		statuses[i] = cfg.Skill.Status(i)
	}
	return &tracker{
		skill:    cfg.Skill.Name,
		pipeline: cfg.Pipeline,
		statuses: statuses,
		feed:     NewRunFeed(),
	}
}

// apply folds ev and returns a one-line description of what changed, or ""
// when the event is not about this skill.
func (t *tracker) apply(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.StepChangedEvent:
		if p.Skill != t.skill || p.Step < 0 || p.Step >= len(t.statuses) {
			return ""
		}
		t.statuses[p.Step] = persistence.StepStatus(p.To)
		if p.To == string(persistence.StepWaitingForUser) {
			t.summary.Parked = true
			t.summary.ParkedStep = p.Step
			t.done = true
		}
		return fmt.Sprintf("step %d %s: %s -> %s", p.Step, p.StepID, p.From, p.To)
	case runs.Run:
		if p.SkillName != t.skill {
			return ""
		}
		r := p
		t.feed.Observe(r)
		if ev.Topic == bus.TopicRunFinished {
			t.current = nil
			t.summary.Cost += r.TotalCostUSD
			line := fmt.Sprintf("run %s finished: %s", r.ID, r.Status)
			if r.ResultSubtype != "" {
				line += " (" + r.ResultSubtype + ")"
			}
			return line + fmt.Sprintf(" $%.4f", r.TotalCostUSD)
		}
		prev := t.current
		t.current = &r
		if prev == nil || prev.ID != r.ID {
			return fmt.Sprintf("run %s started: %s", r.ID, runLabel(r))
		}
		return ""
	case bus.SessionChangedEvent:
		if p.Skill != t.skill || p.Status == string(persistence.SessionRunning) {
			return ""
		}
		t.summary.SessionStatus = p.Status
		t.done = true
		return fmt.Sprintf("session %s %s", p.SessionID, p.Status)
	}
	return ""
}

type eventMsg bus.Event

type closedMsg struct{}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitEvent(ch <-chan bus.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

type model struct {
	t      *tracker
	events <-chan bus.Event
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitEvent(m.events))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "ctrl+c":
			m.t.summary.Interrupted = true
			return m, tea.Quit
		case "r":
			m.t.feed.Toggle()
		}
	case eventMsg:
		m.t.apply(bus.Event(msg))
		if m.t.done {
			return m, tea.Quit
		}
		return m, waitEvent(m.events)
	case closedMsg:
		return m, tea.Quit
	case tickMsg:
		return m, tickCmd()
	}
	return m, nil
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
)

func stepLine(i int, s pipeline.Step, st persistence.StepStatus) string {
	label := fmt.Sprintf("%d. %s", i, s.Name)
	if s.Name == "" {
		label = fmt.Sprintf("%d. %s", i, s.ID)
	}
	if s.Kind == pipeline.KindManual {
		label += dimStyle.Render(" (manual)")
	}
	switch st {
	case persistence.StepCompleted:
		return doneStyle.Render("✓ ") + label
	case persistence.StepInProgress:
		return activeStyle.Render("▶ ") + label
	case persistence.StepWaitingForUser:
		return waitingStyle.Render("… ") + label + waitingStyle.Render(" waiting for you")
	case persistence.StepError:
		return errorStyle.Render("✗ ") + label
	default:
		return dimStyle.Render("· " + label)
	}
}

func currentRunLine(r runs.Run) string {
	line := fmt.Sprintf("turn %d · in %d out %d · $%.4f",
		r.NumTurns, r.Usage.TotalInput(), r.Usage.Output, r.TotalCostUSD)
	if n := len(r.Context); n > 0 && r.ContextWindow > 0 {
		last := r.Context[n-1]
		used := last.InputTokens + last.CacheRead + last.CacheCreation
		line += fmt.Sprintf(" · context %d%%", used*100/r.ContextWindow)
	}
	if len(r.Compactions) > 0 {
		line += fmt.Sprintf(" · %d compactions", len(r.Compactions))
	}
	line += fmt.Sprintf(" · %s", time.Since(r.StartedAt).Truncate(time.Second))
	return line
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("skillforge · "+m.t.skill) + "\n\n")
	for i, s := range m.t.pipeline.Steps {
		b.WriteString(stepLine(i, s, m.t.statuses[i]) + "\n")
	}
	b.WriteString("\n")
	if r := m.t.current; r != nil {
		b.WriteString(activeStyle.Render(runLabel(*r)) + "\n")
		b.WriteString(currentRunLine(*r) + "\n\n")
	}
	b.WriteString(m.t.feed.View())
	b.WriteString(dimStyle.Render(fmt.Sprintf("\nsession cost $%.4f · q to detach · ctrl+c to cancel", m.t.feed.TotalCost())) + "\n")
	return b.String()
}

// Run draws the live view until the session ends, parks on a manual step,
// the user quits or ctx is done.
func Run(ctx context.Context, cfg Config) (Summary, error) {
	defer bestEffortResetTTY()

	sub := cfg.subscribe()
	defer cfg.Bus.Unsubscribe(sub)

	m := model{t: newTracker(cfg), events: sub.Ch()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		<-done
		return m.t.summary, ctx.Err()
	case err := <-done:
		return m.t.summary, err
	}
}

// Follow is the non-terminal rendering: one line per change written to w.
func Follow(ctx context.Context, w io.Writer, cfg Config) (Summary, error) {
	sub := cfg.subscribe()
	defer cfg.Bus.Unsubscribe(sub)

	t := newTracker(cfg)
	for {
		select {
		case <-ctx.Done():
			return t.summary, ctx.Err()
		case ev, ok := <-sub.Ch():
			if !ok {
				return t.summary, nil
			}
			if line := t.apply(ev); line != "" {
				fmt.Fprintf(w, "%s %s\n", time.Now().Format("15:04:05"), line)
			}
			if t.done {
				return t.summary, nil
			}
		}
	}
}
