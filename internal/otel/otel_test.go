package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/basket/skillforge/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil || p.Reader != nil {
		t.Fatal("disabled provider should not build sdk providers")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil {
		t.Fatal("expected non-nil TracerProvider")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "magic-pixie-dust"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), config.OTelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "workflow.step",
		AttrSkill.String("alpha"),
		AttrStep.Int(2),
	)
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span")
	}
	EndSpan(span, errors.New("boom"))

	_, span2 := StartServerSpan(ctx, p.Tracer, "rpc.workflow.start")
	EndSpan(span2, nil)
}
