package tui

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/skillforge/internal/runs"
)

func testRun(id string, status runs.Status) runs.Run {
	r := runs.NewRun(id, "sess-1", "alpha", 1, "outline", "sonnet", time.Now().Add(-3*time.Second))
	r.Status = status
	return r
}

func TestRunFeed_ObserveAddsOnce(t *testing.T) {
	f := NewRunFeed()
	f.Observe(testRun("r1", runs.StatusRunning))
	f.Observe(testRun("r1", runs.StatusRunning))
	if f.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", f.Len())
	}
	if !f.HasActive() {
		t.Fatal("running run should be active")
	}
}

func TestRunFeed_MaxItems(t *testing.T) {
	f := NewRunFeed()
	f.maxItems = 3
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.Observe(testRun(id, runs.StatusRunning))
	}
	if f.Len() != 3 {
		t.Fatalf("expected 3, got %d", f.Len())
	}
	if f.items[0].ID != "c" {
		t.Fatalf("oldest kept = %q, want c", f.items[0].ID)
	}
}

func TestRunFeed_TerminalClosesItem(t *testing.T) {
	f := NewRunFeed()
	f.Observe(testRun("r1", runs.StatusRunning))

	final := testRun("r1", runs.StatusError)
	final.ResultSubtype = "error_max_turns"
	final.TotalCostUSD = 0.25
	final.EndedAt = time.Now()
	f.Observe(final)

	if f.HasActive() {
		t.Fatal("finished run should not be active")
	}
	it := f.items[0]
	if it.Icon != "❌" {
		t.Fatalf("icon = %q", it.Icon)
	}
	if it.Detail != "Error_max_turns" {
		t.Fatalf("detail = %q", it.Detail)
	}
	if f.TotalCost() != 0.25 {
		t.Fatalf("total cost = %v", f.TotalCost())
	}
}

func TestRunFeed_View(t *testing.T) {
	f := NewRunFeed()
	if f.View() != "" {
		t.Fatal("empty feed should render nothing")
	}
	done := testRun("r1", runs.StatusCompleted)
	done.EndedAt = time.Now()
	f.Observe(done)

	view := f.View()
	if !strings.Contains(view, "step 1 outline") || !strings.Contains(view, "✅") {
		t.Fatalf("unexpected view:\n%s", view)
	}

	f.Toggle()
	if view := f.View(); !strings.Contains(view, "1 runs") {
		t.Fatalf("collapsed view = %q", view)
	}
}

func TestHumanError(t *testing.T) {
	if got := humanError(nil); got != "" {
		t.Fatalf("nil error = %q", got)
	}
	r := testRun("r1", runs.StatusError)
	if got := humanError(r.Err()); got != "Error_during_execution" {
		t.Fatalf("got %q", got)
	}
}
