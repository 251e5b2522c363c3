package otel

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/skillforge/internal/runs"
)

// Metrics holds all skillforge metric instruments.
type Metrics struct {
	RunsStarted        metric.Int64Counter
	RunsFinished       metric.Int64Counter
	RunDuration        metric.Float64Histogram
	TokensUsed         metric.Int64Counter
	CostUSD            metric.Float64Counter
	ActiveProcesses    metric.Int64UpDownCounter
	SpawnErrors        metric.Int64Counter
	StepTransitions    metric.Int64Counter
	TelemetryFlushes   metric.Int64Counter
	TelemetryEvents    metric.Int64Counter
	ReconcileScenarios metric.Int64Counter
	ReconcileMutations metric.Int64Counter
	RPCRequests        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RunsStarted, err = meter.Int64Counter("skillforge.runs.started",
		metric.WithDescription("Agent runs spawned")); err != nil {
		return nil, err
	}
	if m.RunsFinished, err = meter.Int64Counter("skillforge.runs.finished",
		metric.WithDescription("Agent runs finished, by status")); err != nil {
		return nil, err
	}
	if m.RunDuration, err = meter.Float64Histogram("skillforge.run.duration",
		metric.WithDescription("Agent run wall time in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("skillforge.llm.tokens",
		metric.WithDescription("Tokens consumed, by kind and model")); err != nil {
		return nil, err
	}
	if m.CostUSD, err = meter.Float64Counter("skillforge.llm.cost",
		metric.WithDescription("Reported or estimated cost in USD"),
		metric.WithUnit("USD")); err != nil {
		return nil, err
	}
	if m.ActiveProcesses, err = meter.Int64UpDownCounter("skillforge.pool.active",
		metric.WithDescription("Agent processes currently supervised")); err != nil {
		return nil, err
	}
	if m.SpawnErrors, err = meter.Int64Counter("skillforge.pool.spawn_errors",
		metric.WithDescription("Spawn failures, by reason")); err != nil {
		return nil, err
	}
	if m.StepTransitions, err = meter.Int64Counter("skillforge.workflow.transitions",
		metric.WithDescription("Step status transitions, by target status")); err != nil {
		return nil, err
	}
	if m.TelemetryFlushes, err = meter.Int64Counter("skillforge.telemetry.flushes",
		metric.WithDescription("Aggregator batch flushes")); err != nil {
		return nil, err
	}
	if m.TelemetryEvents, err = meter.Int64Counter("skillforge.telemetry.events",
		metric.WithDescription("Stream events folded into runs")); err != nil {
		return nil, err
	}
	if m.ReconcileScenarios, err = meter.Int64Counter("skillforge.reconcile.skills",
		metric.WithDescription("Skills reconciled, by scenario")); err != nil {
		return nil, err
	}
	if m.ReconcileMutations, err = meter.Int64Counter("skillforge.reconcile.mutations",
		metric.WithDescription("Store and disk mutations made by reconciliation")); err != nil {
		return nil, err
	}
	if m.RPCRequests, err = meter.Int64Counter("skillforge.gateway.requests",
		metric.WithDescription("Gateway JSON-RPC requests, by method")); err != nil {
		return nil, err
	}
	return m, nil
}

// RunObserver adapts Metrics to the aggregator's observer hook.
type RunObserver struct {
	M *Metrics
}

func (o RunObserver) Flushed(_ string, events int) {
	ctx := context.Background()
	o.M.TelemetryFlushes.Add(ctx, 1)
	o.M.TelemetryEvents.Add(ctx, int64(events))
}

func (o RunObserver) Finished(r runs.Run) {
	ctx := context.Background()
	status := metric.WithAttributes(AttrStatus.String(string(r.Status)), AttrModel.String(r.Model))
	o.M.RunsFinished.Add(ctx, 1, status)
	o.M.RunDuration.Record(ctx, float64(r.DurationMs)/1000, status)
	for kind, n := range map[string]int64{
		"input":          r.Usage.Input,
		"output":         r.Usage.Output,
		"cache_read":     r.Usage.CacheRead,
		"cache_creation": r.Usage.CacheCreation,
	} {
		if n > 0 {
			o.M.TokensUsed.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind), AttrModel.String(r.Model)))
		}
	}
	if r.TotalCostUSD > 0 {
		o.M.CostUSD.Add(ctx, r.TotalCostUSD, metric.WithAttributes(AttrModel.String(r.Model)))
	}
}

// WriteText renders the collected metrics in a flat
// `name{key="value"} number` text form, sorted for stable output.
func (p *Provider) WriteText(ctx context.Context, w io.Writer) error {
	if p.Reader == nil {
		return nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.Reader.Collect(ctx, &rm); err != nil {
		return fmt.Errorf("collect metrics: %w", err)
	}
	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			name := strings.ReplaceAll(m.Name, ".", "_")
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s%s %d", name, labels(dp.Attributes), dp.Value))
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s%s %g", name, labels(dp.Attributes), dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					l := labels(dp.Attributes)
					lines = append(lines,
						fmt.Sprintf("%s_count%s %d", name, l, dp.Count),
						fmt.Sprintf("%s_sum%s %g", name, l, dp.Sum),
					)
				}
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

func labels(set attribute.Set) string {
	if set.Len() == 0 {
		return ""
	}
	kvs := set.ToSlice()
	parts := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		parts = append(parts, fmt.Sprintf("%s=%q", strings.ReplaceAll(string(kv.Key), ".", "_"), kv.Value.Emit()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
