package runs

import (
	"reflect"
	"testing"
	"time"
)

func decodeAll(t *testing.T, lines ...string) []Event {
	t.Helper()
	var out []Event
	for _, l := range lines {
		ev, ok, err := Decode([]byte(l))
		if err != nil {
			t.Fatalf("decode %q: %v", l, err)
		}
		if ok {
			out = append(out, ev)
		}
	}
	return out
}

var sampleStream = []string{
	`{"type":"system","subtype":"init","session_id":"agent-1","model":"claude-sonnet-4-5"}`,
	`{"type":"config","thinking_enabled":true,"display_name":"Research"}`,
	`{"type":"assistant","message":{"id":"m1","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":100,"cache_creation_input_tokens":20}}}`,
	`{"type":"assistant","message":{"id":"m1","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":100,"cache_creation_input_tokens":20}}}`,
	`{"type":"rate_limit_event","limit":"x"}`,
	`{"type":"system","subtype":"compact_boundary","compact_metadata":{"pre_tokens":150000}}`,
	`{"type":"turn","usage":{"input_tokens":7,"output_tokens":3}}`,
	`{"type":"result","subtype":"success","total_cost_usd":0.42,"num_turns":2,"stop_reason":"end_turn","usage":{"input_tokens":17,"output_tokens":8,"cache_read_input_tokens":100,"cache_creation_input_tokens":20},"modelUsage":{"claude-sonnet-4-5":{"contextWindow":200000},"claude-haiku-4-5":{"contextWindow":1000000}}}`,
}

func TestDecode_NormalizesRecordKinds(t *testing.T) {
	evs := decodeAll(t, sampleStream...)
	want := []Kind{KindInit, KindConfig, KindTurn, KindTurn, KindUnknown, KindCompaction, KindTurn, KindResult}
	if len(evs) != len(want) {
		t.Fatalf("decoded %d events, want %d", len(evs), len(want))
	}
	for i, k := range want {
		if evs[i].Kind != k {
			t.Fatalf("event %d kind = %s, want %s", i, evs[i].Kind, k)
		}
	}
	if evs[5].PreTokens != 150000 {
		t.Fatalf("pre_tokens = %d", evs[5].PreTokens)
	}
	if evs[7].ContextWindow != 1000000 {
		t.Fatalf("expected max context window across models, got %d", evs[7].ContextWindow)
	}
}

func TestDecode_BlankAndMalformed(t *testing.T) {
	if _, ok, err := Decode([]byte("   ")); ok || err != nil {
		t.Fatalf("blank line: ok=%v err=%v", ok, err)
	}
	if _, _, err := Decode([]byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestApply_FoldRules(t *testing.T) {
	r := NewRun("run-1", "sess-1", "alpha", 0, "research", "", time.Unix(0, 0))
	for _, ev := range decodeAll(t, sampleStream...) {
		r = Apply(r, ev)
	}

	if r.AgentSessionID != "agent-1" || r.Model != "claude-sonnet-4-5" {
		t.Fatalf("init not applied: %+v", r)
	}
	if !r.ThinkingEnabled || r.DisplayName != "Research" {
		t.Fatalf("config not applied: %+v", r)
	}
	// m1 repeated for a second content block counts once.
	if len(r.Context) != 2 {
		t.Fatalf("expected 2 context snapshots, got %d", len(r.Context))
	}
	if r.Context[0].InputTokens != 130 {
		t.Fatalf("turn input must include cache tokens, got %d", r.Context[0].InputTokens)
	}
	if len(r.Compactions) != 1 || r.Compactions[0].Turn != 1 || r.Compactions[0].PreTokens != 150000 {
		t.Fatalf("unexpected compactions: %+v", r.Compactions)
	}
	if r.Status != StatusCompleted || r.ResultSubtype != "success" || r.StopReason != "end_turn" {
		t.Fatalf("result not applied: %+v", r)
	}
	if r.TotalCostUSD != 0.42 || r.CostEstimated {
		t.Fatalf("result cost must override estimate: %v estimated=%v", r.TotalCostUSD, r.CostEstimated)
	}
	if r.ContextWindow != 1000000 {
		t.Fatalf("context window = %d", r.ContextWindow)
	}
	if r.Usage.Output != 8 || r.Usage.CacheRead != 100 {
		t.Fatalf("final usage not taken from result: %+v", r.Usage)
	}
}

func TestApply_LaterInitSupersedes(t *testing.T) {
	r := NewRun("run-1", "s", "alpha", 0, "research", "", time.Now())
	r = Apply(r, Event{Kind: KindInit, AgentSessionID: "a", Model: "sonnet"})
	r = Apply(r, Event{Kind: KindTurn, Model: "other", MessageID: "x"})
	if r.Model != "sonnet" {
		t.Fatalf("turn model must not override init model, got %q", r.Model)
	}
	r = Apply(r, Event{Kind: KindInit, AgentSessionID: "b", Model: "opus"})
	if r.AgentSessionID != "b" || r.Model != "opus" {
		t.Fatalf("later init must supersede: %+v", r)
	}
}

func TestApply_TerminalIsFinal(t *testing.T) {
	r := NewRun("run-1", "s", "alpha", 0, "research", "", time.Now())
	r = Apply(r, Event{Kind: KindResult, Subtype: "error_max_turns", IsError: true, Errors: []string{"max turns"}})
	if r.Status != StatusError {
		t.Fatalf("expected error status, got %s", r.Status)
	}
	r = Apply(r, Event{Kind: KindResult, Subtype: "success"})
	r = Apply(r, Event{Kind: KindTurn, MessageID: "late"})
	if r.Status != StatusError || r.NumTurns != 0 {
		t.Fatalf("terminal run mutated: %+v", r)
	}
	r = Finalize(r, Exit{Cancelled: true}, time.Now())
	if r.Status != StatusError {
		t.Fatalf("finalize must not override terminal status, got %s", r.Status)
	}
}

func TestApplyBatch_EquivalentToSequentialFold(t *testing.T) {
	evs := decodeAll(t, sampleStream...)
	base := NewRun("run-1", "sess-1", "alpha", 0, "research", "", time.Unix(0, 0))

	for split := 0; split <= len(evs); split++ {
		seq := base
		for _, ev := range evs {
			seq = Apply(seq, ev)
		}
		batched := ApplyBatch(ApplyBatch(base, evs[:split]), evs[split:])
		if !reflect.DeepEqual(seq, batched) {
			t.Fatalf("split %d: batched fold differs\nseq:     %+v\nbatched: %+v", split, seq, batched)
		}
	}
}

func TestApplyBatch_DoesNotAliasInput(t *testing.T) {
	base := NewRun("run-1", "s", "alpha", 0, "research", "", time.Now())
	base = Apply(base, Event{Kind: KindTurn, MessageID: "a"})
	snapshot := base.Clone()

	_ = ApplyBatch(base, []Event{{Kind: KindTurn, MessageID: "b"}, {Kind: KindCompaction, PreTokens: 9}})
	if !reflect.DeepEqual(base, snapshot) {
		t.Fatalf("ApplyBatch mutated its input")
	}
}

func TestFinalize_ExitMapping(t *testing.T) {
	start := time.Unix(100, 0)
	end := start.Add(1500 * time.Millisecond)
	cases := []struct {
		name    string
		exit    Exit
		status  Status
		subtype string
	}{
		{"clean exit without result", Exit{Code: 0}, StatusCompleted, SubtypeExitedWithoutResult},
		{"non-zero exit", Exit{Code: 2}, StatusError, SubtypeErrorDuringExecution},
		{"killed by signal", Exit{Code: -1, Signaled: true}, StatusError, SubtypeErrorDuringExecution},
		{"cancelled", Exit{Code: -1, Signaled: true, Cancelled: true}, StatusShutdown, SubtypeCancelled},
		{"stalled", Exit{Stalled: true, Diagnostic: "idle timeout"}, StatusShutdown, SubtypeStalled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRun("run-1", "s", "alpha", 0, "research", "", start)
			r = Apply(r, Event{Kind: KindTurn, MessageID: "m", Usage: Usage{Output: 4}})
			r = Finalize(r, tc.exit, end)
			if r.Status != tc.status || r.ResultSubtype != tc.subtype {
				t.Fatalf("got %s/%s, want %s/%s", r.Status, r.ResultSubtype, tc.status, tc.subtype)
			}
			if r.DurationMs != 1500 {
				t.Fatalf("duration = %d", r.DurationMs)
			}
			if r.NumTurns != 1 || r.Usage.Output != 4 {
				t.Fatalf("telemetry lost on finalize: %+v", r)
			}
		})
	}
}

func TestRunErr(t *testing.T) {
	r := Run{Status: StatusError, ResultSubtype: "error_max_turns"}
	if err := r.Err(); err == nil || err.Error() != "agent execution failed: error_max_turns" {
		t.Fatalf("unexpected err %v", err)
	}
	if (Run{Status: StatusShutdown}).Err() != nil {
		t.Fatalf("shutdown is not an execution error")
	}
}
