package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrSkill     = attribute.Key("skillforge.skill")
	AttrSessionID = attribute.Key("skillforge.session.id")
	AttrRunID     = attribute.Key("skillforge.run.id")
	AttrStep      = attribute.Key("skillforge.step.index")
	AttrStepID    = attribute.Key("skillforge.step.id")
	AttrModel     = attribute.Key("skillforge.llm.model")
	AttrScenario  = attribute.Key("skillforge.reconcile.scenario")
	AttrStatus    = attribute.Key("skillforge.status")
	AttrReason    = attribute.Key("skillforge.reason")
	AttrMethod    = attribute.Key("skillforge.rpc.method")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
