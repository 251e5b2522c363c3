package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/skillforge/internal/runs"
)

// RunItem is one agent run in the feed.
type RunItem struct {
	ID        string
	Icon      string
	Label     string
	StartedAt time.Time
	DoneAt    *time.Time
	Cost      float64
	Detail    string
}

// RunFeed keeps the most recent runs of a session, oldest first.
type RunFeed struct {
	mu        sync.Mutex
	items     []RunItem
	collapsed bool
	maxItems  int
}

func NewRunFeed() *RunFeed {
	return &RunFeed{maxItems: 8}
}

// Observe folds a run snapshot into the feed. Unknown runs are appended;
// terminal snapshots close the matching item.
func (f *RunFeed) Observe(r runs.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := -1
	for i := range f.items {
		if f.items[i].ID == r.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		f.items = append(f.items, RunItem{
			ID:        r.ID,
			Icon:      "⏳",
			Label:     runLabel(r),
			StartedAt: r.StartedAt,
		})
		if len(f.items) > f.maxItems {
			f.items = f.items[1:]
		}
		idx = len(f.items) - 1
	}
	it := &f.items[idx]
	it.Cost = r.TotalCostUSD
	if !r.Status.Terminal() || it.DoneAt != nil {
		return
	}
	done := r.EndedAt
	if done.IsZero() {
		done = time.Now()
	}
	it.DoneAt = &done
	switch r.Status {
	case runs.StatusCompleted:
		it.Icon = "✅"
	case runs.StatusShutdown:
		it.Icon = "⏹"
		it.Detail = r.ResultSubtype
	default:
		it.Icon = "❌"
		it.Detail = humanError(r.Err())
	}
}

func runLabel(r runs.Run) string {
	label := fmt.Sprintf("step %d %s", r.StepIndex, r.StepID)
	if r.Model != "" {
		label += " · " + r.Model
	}
	return label
}

func (f *RunFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *RunFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *RunFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// TotalCost sums the cost of every run still in the feed.
func (f *RunFeed) TotalCost() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total float64
	for _, it := range f.items {
		total += it.Cost
	}
	return total
}

func (f *RunFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d runs (r to expand) ──", len(f.items))) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	errS := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	var out strings.Builder
	out.WriteString(dim.Render("── Runs (r to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Label)
		if it.DoneAt != nil {
			line += fmt.Sprintf(" (%s)", it.DoneAt.Sub(it.StartedAt).Truncate(100*time.Millisecond))
		} else {
			line += fmt.Sprintf(" (%s)", time.Since(it.StartedAt).Truncate(time.Second))
		}
		if it.Cost > 0 {
			line += dim.Render(fmt.Sprintf(" $%.4f", it.Cost))
		}
		out.WriteString(itemS.Render(line) + "\n")
		if it.Detail != "" {
			out.WriteString("   " + errS.Render(it.Detail) + "\n")
		}
	}
	return out.String()
}
