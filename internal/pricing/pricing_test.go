package pricing

import (
	"math"
	"testing"
)

func TestEstimate_KnownModel(t *testing.T) {
	cost := Estimate("claude-sonnet-4-5", Usage{Input: 1_000_000, Output: 1_000_000})
	if math.Abs(cost-18.0) > 1e-9 {
		t.Fatalf("expected 18.0, got %f", cost)
	}
}

func TestEstimate_CacheTiers(t *testing.T) {
	cost := Estimate("claude-sonnet-4-5", Usage{CacheRead: 1_000_000, CacheCreation: 1_000_000})
	if math.Abs(cost-4.05) > 1e-9 {
		t.Fatalf("expected 4.05, got %f", cost)
	}
}

func TestEstimate_UnknownModel(t *testing.T) {
	if cost := Estimate("unknown-model-xyz", Usage{Input: 1000, Output: 500}); cost != 0.0 {
		t.Fatalf("expected 0.0 for unknown model, got %f", cost)
	}
}

func TestLookup_ResolvesAliasesAndSnapshots(t *testing.T) {
	cases := []struct {
		model string
		input float64
	}{
		{"sonnet", 3.00},
		{"opus", 15.00},
		{"claude-sonnet-4-5-20250929", 3.00},
		{"claude-sonnet-4-20250514", 3.00},
		{"claude-opus-4-1-20250805", 15.00},
	}
	for _, tc := range cases {
		p, ok := Lookup(tc.model)
		if !ok {
			t.Fatalf("Lookup(%q) not found", tc.model)
		}
		if p.InputPer1M != tc.input {
			t.Fatalf("Lookup(%q) input = %f, want %f", tc.model, p.InputPer1M, tc.input)
		}
	}
}
