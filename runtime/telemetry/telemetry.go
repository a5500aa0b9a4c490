// Package telemetry integrates the agent runtime with Clue logging and
// OpenTelemetry tracing and metrics. The interfaces are intentionally small
// so tests can provide lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
//
// Example usage:
//
//	ctx, span := tracer.Start(ctx, "agent.turn")
//	defer span.End()
//	span.SetStatus(codes.Ok, "turn completed")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// TurnTelemetry captures observability metadata collected for one executor
// turn: the batch size consumed from the inbox, the number of effects applied
// and the wall-clock duration. The runtime records it after every turn.
type TurnTelemetry struct {
	// AgentID identifies the agent whose turn is described.
	AgentID string
	// Messages is the number of inbox messages consumed by the turn.
	Messages int
	// Effects is the number of effects the executor emitted.
	Effects int
	// Duration is the wall-clock turn time including retries.
	Duration time.Duration
}
