// Package telemetry defines the logging, metrics, and tracing seams used
// throughout the lifecycle runtime. Implementations delegate to Clue and
// OpenTelemetry; the interfaces are intentionally small so tests can provide
// lightweight stubs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Keys and values alternate in
	// keyvals; non-string keys are dropped.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, timer, and gauge helpers for lifecycle
	// instrumentation. Tags alternate key and value.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so lifecycle code stays agnostic of the
	// underlying OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is an in-flight tracing span.
	//
	//	ctx, span := tracer.Start(ctx, "acp.run.create")
	//	defer span.End()
	Span interface {
		End(opts ...trace.SpanEndOption)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the runtime.
const (
	// MetricRunsCreated counts accepted run creations, tagged by agent.
	MetricRunsCreated = "acp.run.created"
	// MetricTransitions counts accepted lifecycle transitions, tagged by event.
	MetricTransitions = "acp.run.transitions"
	// MetricRunsExpired counts runs force-failed by the TTL sweep or lazy checks.
	MetricRunsExpired = "acp.run.expired"
	// MetricRunsRecovered counts runs handled by restart recovery, tagged by outcome.
	MetricRunsRecovered = "acp.run.recovered"
	// MetricInvokeDuration times individual agent invocations, tagged by agent.
	MetricInvokeDuration = "acp.run.invoke.duration"
)
