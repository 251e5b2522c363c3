// Package pricing provides per-model cost estimation for agent token usage.
package pricing

import "strings"

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M         float64
	OutputPer1M        float64
	CacheReadPer1M     float64
	CacheCreationPer1M float64
}

// Usage is the token breakdown priced by Estimate.
type Usage struct {
	Input         int64
	Output        int64
	CacheRead     int64
	CacheCreation int64
}

// Known model pricing. Dated snapshots ("claude-sonnet-4-5-20250929") resolve by prefix.
var knownModels = map[string]ModelPricing{
	"claude-opus-4-1":   {15.00, 75.00, 1.50, 18.75},
	"claude-opus-4":     {15.00, 75.00, 1.50, 18.75},
	"claude-sonnet-4-5": {3.00, 15.00, 0.30, 3.75},
	"claude-sonnet-4":   {3.00, 15.00, 0.30, 3.75},
	"claude-3-7-sonnet": {3.00, 15.00, 0.30, 3.75},
	"claude-haiku-4-5":  {1.00, 5.00, 0.10, 1.25},
	"claude-3-5-haiku":  {0.80, 4.00, 0.08, 1.00},
}

// aliases accepted by the agent CLI's --model flag.
var aliases = map[string]string{
	"opus":   "claude-opus-4-1",
	"sonnet": "claude-sonnet-4-5",
	"haiku":  "claude-haiku-4-5",
}

// Lookup resolves model (alias, exact id or dated snapshot) to its pricing.
func Lookup(model string) (ModelPricing, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	if full, ok := aliases[model]; ok {
		model = full
	}
	if p, ok := knownModels[model]; ok {
		return p, true
	}
	best := ""
	for id := range knownModels {
		if strings.HasPrefix(model, id+"-") && len(id) > len(best) {
			best = id
		}
	}
	if best == "" {
		return ModelPricing{}, false
	}
	return knownModels[best], true
}

// Estimate returns the estimated USD cost for u.
// Returns 0.0 for unknown models.
func Estimate(model string, u Usage) float64 {
	p, ok := Lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(u.Input)/1_000_000)*p.InputPer1M +
		(float64(u.Output)/1_000_000)*p.OutputPer1M +
		(float64(u.CacheRead)/1_000_000)*p.CacheReadPer1M +
		(float64(u.CacheCreation)/1_000_000)*p.CacheCreationPer1M
}
