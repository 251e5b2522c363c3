package runs

import (
	"time"

	"github.com/basket/skillforge/internal/pricing"
)

// Apply folds one event into r. Events arriving after r is terminal are ignored.
func Apply(r Run, ev Event) Run {
	if r.Status.Terminal() {
		return r
	}
	switch ev.Kind {
	case KindInit:
		if ev.AgentSessionID != "" {
			r.AgentSessionID = ev.AgentSessionID
		}
		if ev.Model != "" {
			r.Model = ev.Model
		}
	case KindTurn:
		r = applyTurn(r, ev)
	case KindCompaction:
		r.Compactions = append(r.Compactions, Compaction{Turn: r.NumTurns, PreTokens: ev.PreTokens})
	case KindConfig:
		if ev.ThinkingEnabled != nil {
			r.ThinkingEnabled = *ev.ThinkingEnabled
		}
		if ev.DisplayName != "" {
			r.DisplayName = ev.DisplayName
		}
	case KindResult:
		r = applyResult(r, ev)
	}
	return r
}

// ApplyBatch folds evs into r in order. It is equivalent to calling Apply
// for each event but copies the append-only slices once.
func ApplyBatch(r Run, evs []Event) Run {
	if len(evs) == 0 {
		return r
	}
	r = r.Clone()
	for _, ev := range evs {
		r = Apply(r, ev)
	}
	return r
}

func applyTurn(r Run, ev Event) Run {
	if r.AgentSessionID == "" && ev.AgentSessionID != "" {
		r.AgentSessionID = ev.AgentSessionID
	}
	// Model from init wins; a turn only fills in a missing one.
	if r.Model == "" && ev.Model != "" {
		r.Model = ev.Model
	}
	// The stream repeats a message once per content block with identical usage.
	if ev.MessageID != "" && ev.MessageID == r.lastMessageID {
		return r
	}
	r.lastMessageID = ev.MessageID
	r.NumTurns++
	r.Usage = r.Usage.add(ev.Usage)
	r.Context = append(r.Context, ContextSnapshot{
		Turn:          r.NumTurns,
		InputTokens:   ev.Usage.TotalInput(),
		OutputTokens:  ev.Usage.Output,
		CacheRead:     ev.Usage.CacheRead,
		CacheCreation: ev.Usage.CacheCreation,
	})
	// Replaced by total_cost_usd when the result record arrives.
	r.TotalCostUSD += pricing.Estimate(r.Model, pricing.Usage{
		Input:         ev.Usage.Input,
		Output:        ev.Usage.Output,
		CacheRead:     ev.Usage.CacheRead,
		CacheCreation: ev.Usage.CacheCreation,
	})
	r.CostEstimated = true
	return r
}

func applyResult(r Run, ev Event) Run {
	if ev.Usage != (Usage{}) {
		r.Usage = ev.Usage
	}
	if ev.TotalCostUSD != nil {
		r.TotalCostUSD = *ev.TotalCostUSD
		r.CostEstimated = false
	}
	if ev.ContextWindow > r.ContextWindow {
		r.ContextWindow = ev.ContextWindow
	}
	if ev.NumTurns > r.NumTurns {
		r.NumTurns = ev.NumTurns
	}
	if ev.DurationMs > 0 {
		r.DurationMs = ev.DurationMs
	}
	r.ResultSubtype = ev.Subtype
	r.StopReason = ev.StopReason
	r.Errors = append(r.Errors, ev.Errors...)
	if ev.IsError || (ev.Subtype != "" && ev.Subtype != SubtypeSuccess) {
		r.Status = StatusError
	} else {
		r.Status = StatusCompleted
	}
	return r
}

// Exit describes how the agent process ended.
type Exit struct {
	Code       int
	Signaled   bool
	Cancelled  bool
	Stalled    bool
	Diagnostic string
}

// Finalize maps the process exit onto r. A run that already reached a
// terminal status through a result record keeps it.
func Finalize(r Run, x Exit, now time.Time) Run {
	if r.EndedAt.IsZero() {
		r.EndedAt = now
	}
	if r.DurationMs == 0 && !r.StartedAt.IsZero() {
		r.DurationMs = r.EndedAt.Sub(r.StartedAt).Milliseconds()
	}
	if x.Diagnostic != "" && r.Diagnostic == "" {
		r.Diagnostic = x.Diagnostic
	}
	if r.Status.Terminal() {
		return r
	}
	switch {
	case x.Stalled:
		r.Status = StatusShutdown
		r.ResultSubtype = SubtypeStalled
	case x.Cancelled:
		r.Status = StatusShutdown
		r.ResultSubtype = SubtypeCancelled
	case x.Code != 0 || x.Signaled:
		r.Status = StatusError
		r.ResultSubtype = SubtypeErrorDuringExecution
	default:
		r.Status = StatusCompleted
		r.ResultSubtype = SubtypeExitedWithoutResult
	}
	return r
}
