package tui

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/skillforge/internal/bus"
	"github.com/basket/skillforge/internal/persistence"
	"github.com/basket/skillforge/internal/pipeline"
	"github.com/basket/skillforge/internal/runs"
)

func testPipeline() *pipeline.Pipeline {
	return &pipeline.Pipeline{Name: "test", Steps: []pipeline.Step{
		{ID: "research", Name: "Research", Kind: pipeline.KindAutomated, Index: 0},
		{ID: "review", Name: "Review", Kind: pipeline.KindManual, Index: 1},
		{ID: "draft", Name: "Draft", Kind: pipeline.KindAutomated, Index: 2},
	}}
}

func testConfig(b *bus.Bus) Config {
	return Config{Bus: b, Pipeline: testPipeline(), Skill: persistence.NewSkill("alpha", "", 3)}
}

func TestTracker_IgnoresOtherSkills(t *testing.T) {
	tr := newTracker(testConfig(bus.New()))
	line := tr.apply(bus.Event{Topic: bus.TopicStepChanged, Payload: bus.StepChangedEvent{
		Skill: "beta", Step: 0, From: "pending", To: "in_progress",
	}})
	if line != "" || tr.statuses[0] != persistence.StepPending {
		t.Fatalf("foreign event applied: %q %v", line, tr.statuses)
	}
}

func TestTracker_ParksOnManualStep(t *testing.T) {
	tr := newTracker(testConfig(bus.New()))
	tr.apply(bus.Event{Topic: bus.TopicStepChanged, Payload: bus.StepChangedEvent{
		Skill: "alpha", Step: 1, StepID: "review", From: "in_progress", To: "waiting_for_user",
	}})
	if !tr.done || !tr.summary.Parked || tr.summary.ParkedStep != 1 {
		t.Fatalf("expected parked summary, got %+v", tr.summary)
	}
}

func TestTracker_RunLifecycle(t *testing.T) {
	tr := newTracker(testConfig(bus.New()))
	r := runs.NewRun("run-1", "sess-1", "alpha", 0, "research", "sonnet", time.Now())

	if line := tr.apply(bus.Event{Topic: bus.TopicRunUpdated, Payload: r}); !strings.Contains(line, "started") {
		t.Fatalf("first snapshot line = %q", line)
	}
	if line := tr.apply(bus.Event{Topic: bus.TopicRunUpdated, Payload: r}); line != "" {
		t.Fatalf("repeat snapshot should be quiet, got %q", line)
	}
	if tr.current == nil || tr.current.ID != "run-1" {
		t.Fatal("current run not tracked")
	}

	r.Status = runs.StatusCompleted
	r.TotalCostUSD = 0.5
	tr.apply(bus.Event{Topic: bus.TopicRunFinished, Payload: r})
	if tr.current != nil {
		t.Fatal("finished run should clear current")
	}
	if tr.summary.Cost != 0.5 {
		t.Fatalf("cost = %v", tr.summary.Cost)
	}
	if tr.done {
		t.Fatal("a finished run does not end the session")
	}
}

func TestModel_KeysAndView(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	m := model{t: newTracker(testConfig(b)), events: sub.Ch()}

	if m.Init() == nil {
		t.Fatal("expected Init to return a cmd")
	}
	view := m.View()
	for _, want := range []string{"alpha", "Research", "Review", "(manual)", "q to detach"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected quit on ctrl+c")
	}
	if !m.t.summary.Interrupted {
		t.Fatal("ctrl+c should mark the summary interrupted")
	}

	_, cmd = m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("expected another tick")
	}
}

func TestModel_QuitsWhenSessionEnds(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	m := model{t: newTracker(testConfig(b)), events: sub.Ch()}

	_, cmd := m.Update(eventMsg(bus.Event{Topic: bus.TopicSessionChanged, Payload: bus.SessionChangedEvent{
		Skill: "alpha", SessionID: "sess-1", Status: string(persistence.SessionCompleted),
	}}))
	if cmd == nil {
		t.Fatal("expected quit cmd")
	}
	if msg := cmd(); msg != tea.Quit() {
		t.Fatalf("expected quit msg, got %T", msg)
	}
	if m.t.summary.SessionStatus != "completed" {
		t.Fatalf("summary = %+v", m.t.summary)
	}
}

func TestFollow_WritesLinesUntilSessionEnds(t *testing.T) {
	b := bus.New()
	cfg := testConfig(b)
	cfg.Sub = b.Subscribe("")

	b.Publish(bus.TopicStepChanged, bus.StepChangedEvent{Skill: "alpha", Step: 0, StepID: "research", From: "pending", To: "in_progress"})
	b.Publish(bus.TopicStepChanged, bus.StepChangedEvent{Skill: "alpha", Step: 0, StepID: "research", From: "in_progress", To: "completed"})
	b.Publish(bus.TopicSessionChanged, bus.SessionChangedEvent{Skill: "alpha", SessionID: "sess-1", Status: "cancelled"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out bytes.Buffer
	sum, err := Follow(ctx, &out, cfg)
	if err != nil {
		t.Fatalf("follow: %v", err)
	}
	if sum.SessionStatus != "cancelled" {
		t.Fatalf("summary = %+v", sum)
	}
	got := out.String()
	for _, want := range []string{"research: pending -> in_progress", "in_progress -> completed", "session sess-1 cancelled"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestFollow_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Follow(ctx, &bytes.Buffer{}, testConfig(bus.New()))
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
