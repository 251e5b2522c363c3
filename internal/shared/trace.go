package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type skillKey struct{}
type sessionIDKey struct{}
type runIDKey struct{}
type stepKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

func WithSkill(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, skillKey{}, name)
}

func Skill(ctx context.Context) string {
	if v, ok := ctx.Value(skillKey{}).(string); ok {
		return v
	}
	return ""
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStep attaches the pipeline step index to context.
func WithStep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, stepKey{}, step)
}

// Step extracts the step index (-1 if absent).
func Step(ctx context.Context) int {
	if v, ok := ctx.Value(stepKey{}).(int); ok {
		return v
	}
	return -1
}

// NewSessionID mints a workflow session id.
func NewSessionID() string {
	return uuid.NewString()
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// LogAttrs returns the correlation ids present in ctx as slog attributes.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if v := Skill(ctx); v != "" {
		attrs = append(attrs, "skill", v)
	}
	if v := SessionID(ctx); v != "" {
		attrs = append(attrs, "session_id", v)
	}
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, "run_id", v)
	}
	if v := Step(ctx); v >= 0 {
		attrs = append(attrs, "step", v)
	}
	return attrs
}

// Logger returns logger bound to the correlation ids in ctx.
func Logger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(LogAttrs(ctx)...)
}
