package runs

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies a stream record after normalization.
type Kind string

const (
	KindInit       Kind = "init"
	KindTurn       Kind = "turn"
	KindCompaction Kind = "compaction"
	KindConfig     Kind = "config"
	KindResult     Kind = "result"
	// KindUnknown records are decoded but fold to a no-op.
	KindUnknown Kind = "unknown"
)

// Usage is a token breakdown. Input counts fresh (non-cached) input only.
type Usage struct {
	Input         int64 `json:"input_tokens"`
	Output        int64 `json:"output_tokens"`
	CacheRead     int64 `json:"cache_read_input_tokens"`
	CacheCreation int64 `json:"cache_creation_input_tokens"`
}

// TotalInput is fresh + cache-read + cache-creation input.
func (u Usage) TotalInput() int64 {
	return u.Input + u.CacheRead + u.CacheCreation
}

func (u Usage) add(o Usage) Usage {
	return Usage{
		Input:         u.Input + o.Input,
		Output:        u.Output + o.Output,
		CacheRead:     u.CacheRead + o.CacheRead,
		CacheCreation: u.CacheCreation + o.CacheCreation,
	}
}

// Event is one decoded stream record. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// init, turn
	AgentSessionID string
	Model          string

	// turn
	MessageID string
	Usage     Usage

	// compaction
	PreTokens int64

	// result
	Subtype       string
	IsError       bool
	StopReason    string
	Errors        []string
	TotalCostUSD  *float64
	ContextWindow int64
	NumTurns      int
	DurationMs    int64

	// config
	ThinkingEnabled *bool
	DisplayName     string
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	return e.Kind == KindResult
}

type wireModelUsage struct {
	ContextWindow int64 `json:"contextWindow"`
}

type wireRecord struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Model     string `json:"model"`

	Message *struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage *Usage `json:"usage"`
	} `json:"message"`
	Usage *Usage `json:"usage"`

	CompactMetadata *struct {
		PreTokens int64 `json:"pre_tokens"`
	} `json:"compact_metadata"`

	IsError      bool                      `json:"is_error"`
	StopReason   string                    `json:"stop_reason"`
	Errors       []string                  `json:"errors"`
	TotalCostUSD *float64                  `json:"total_cost_usd"`
	ModelUsage   map[string]wireModelUsage `json:"modelUsage"`
	NumTurns     int                       `json:"num_turns"`
	DurationMs   int64                     `json:"duration_ms"`

	ThinkingEnabled *bool  `json:"thinking_enabled"`
	DisplayName     string `json:"display_name"`
}

// Decode parses one line of the agent's stream. Blank lines return ok=false.
// Records of unrecognized type decode to KindUnknown rather than an error.
func Decode(line []byte) (Event, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false, nil
	}
	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, false, fmt.Errorf("decode stream record: %w", err)
	}

	switch rec.Type {
	case "init":
		return Event{Kind: KindInit, AgentSessionID: rec.SessionID, Model: rec.Model}, true, nil
	case "system":
		switch rec.Subtype {
		case "init":
			return Event{Kind: KindInit, AgentSessionID: rec.SessionID, Model: rec.Model}, true, nil
		case "compact_boundary":
			ev := Event{Kind: KindCompaction}
			if rec.CompactMetadata != nil {
				ev.PreTokens = rec.CompactMetadata.PreTokens
			}
			return ev, true, nil
		}
		return Event{Kind: KindUnknown}, true, nil
	case "turn", "assistant":
		ev := Event{Kind: KindTurn, AgentSessionID: rec.SessionID, Model: rec.Model}
		switch {
		case rec.Message != nil:
			ev.MessageID = rec.Message.ID
			if ev.Model == "" {
				ev.Model = rec.Message.Model
			}
			if rec.Message.Usage != nil {
				ev.Usage = *rec.Message.Usage
			}
		case rec.Usage != nil:
			ev.Usage = *rec.Usage
		}
		return ev, true, nil
	case "config":
		return Event{Kind: KindConfig, ThinkingEnabled: rec.ThinkingEnabled, DisplayName: rec.DisplayName}, true, nil
	case "result":
		ev := Event{
			Kind:         KindResult,
			Subtype:      rec.Subtype,
			IsError:      rec.IsError,
			StopReason:   rec.StopReason,
			Errors:       rec.Errors,
			TotalCostUSD: rec.TotalCostUSD,
			NumTurns:     rec.NumTurns,
			DurationMs:   rec.DurationMs,
		}
		if rec.Usage != nil {
			ev.Usage = *rec.Usage
		}
		for _, mu := range rec.ModelUsage {
			if mu.ContextWindow > ev.ContextWindow {
				ev.ContextWindow = mu.ContextWindow
			}
		}
		return ev, true, nil
	}
	return Event{Kind: KindUnknown}, true, nil
}
