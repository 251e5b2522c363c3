// Package runs folds agent stream records into AgentRun telemetry.
//
// An Aggregator owns the arena of live runs. Producers push decoded events
// into a per-run Feed; once per tick every non-empty feed is drained and
// folded in arrival order, producing one new snapshot per run. Readers only
// ever receive deep copies.
package runs

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusShutdown  Status = "shutdown"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusShutdown
}

// Result subtypes assigned locally when the agent never sent a result record.
const (
	SubtypeErrorDuringExecution = "error_during_execution"
	SubtypeExitedWithoutResult  = "exited_without_result"
	SubtypeCancelled            = "cancelled"
	SubtypeStalled              = "stalled"
	SubtypeSuccess              = "success"
)

// ErrExecution wraps the result subtype of a run that ended in error.
var ErrExecution = errors.New("agent execution failed")

type ContextSnapshot struct {
	Turn          int   `json:"turn"`
	InputTokens   int64 `json:"input_tokens"`
	OutputTokens  int64 `json:"output_tokens"`
	CacheRead     int64 `json:"cache_read_tokens"`
	CacheCreation int64 `json:"cache_creation_tokens"`
}

type Compaction struct {
	Turn      int   `json:"turn"`
	PreTokens int64 `json:"pre_tokens"`
}

// Run is one agent process's telemetry record.
type Run struct {
	ID        string `json:"run_id"`
	SessionID string `json:"session_id"`
	SkillName string `json:"skill_name"`
	StepIndex int    `json:"step_index"`
	StepID    string `json:"step_id"`
	Model     string `json:"model"`
	Status    Status `json:"status"`
	PID       int    `json:"pid,omitempty"`

	AgentSessionID  string `json:"agent_session_id,omitempty"`
	ThinkingEnabled bool   `json:"thinking_enabled"`
	DisplayName     string `json:"display_name,omitempty"`

	Usage         Usage   `json:"usage"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	CostEstimated bool    `json:"cost_estimated"`
	ContextWindow int64   `json:"context_window"`
	NumTurns      int     `json:"num_turns"`

	Context     []ContextSnapshot `json:"context"`
	Compactions []Compaction      `json:"compactions"`

	ResultSubtype string   `json:"result_subtype,omitempty"`
	StopReason    string   `json:"stop_reason,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	Diagnostic    string   `json:"diagnostic,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitzero"`
	DurationMs int64     `json:"duration_ms"`

	// Version increments once per flush that changed the run.
	Version uint64 `json:"version"`

	lastMessageID string
}

// NewRun returns a running record for a freshly spawned process.
func NewRun(id, sessionID, skill string, stepIndex int, stepID, model string, startedAt time.Time) Run {
	return Run{
		ID:        id,
		SessionID: sessionID,
		SkillName: skill,
		StepIndex: stepIndex,
		StepID:    stepID,
		Model:     model,
		Status:    StatusRunning,
		StartedAt: startedAt,
	}
}

// Clone returns a deep copy safe to hand to readers.
func (r Run) Clone() Run {
	r.Context = slices.Clone(r.Context)
	r.Compactions = slices.Clone(r.Compactions)
	r.Errors = slices.Clone(r.Errors)
	return r
}

// HistoryMark counts the Context and Compactions entries of a run that are
// already stored. Both slices only grow.
type HistoryMark struct {
	Context     int
	Compactions int
}

func (r Run) Mark() HistoryMark {
	return HistoryMark{Context: len(r.Context), Compactions: len(r.Compactions)}
}

// Err returns a non-nil error when the run ended in error.
func (r Run) Err() error {
	if r.Status != StatusError {
		return nil
	}
	subtype := r.ResultSubtype
	if subtype == "" {
		subtype = SubtypeErrorDuringExecution
	}
	return fmt.Errorf("%w: %s", ErrExecution, subtype)
}
