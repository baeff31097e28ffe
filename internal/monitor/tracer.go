package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "polyglot-exec"

// Tracer wraps OpenTelemetry tracing for the execution pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a Tracer named name on the global TracerProvider, or a
// no-op tracer when tracing is disabled.
func NewTracer(enabled bool, name string) *Tracer {
	if name == "" {
		name = tracerName
	}
	if !enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(name)}
	}
	return &Tracer{tracer: otel.Tracer(name)}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("polyglot.%s", name),
		trace.WithAttributes(attrs...),
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

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys.
var (
	AttrExecID     = attribute.Key("polyglot.execution.id")
	AttrUserID     = attribute.Key("polyglot.user.id")
	AttrLanguage   = attribute.Key("polyglot.language")
	AttrCodeHash   = attribute.Key("polyglot.code_hash")
	AttrStatus     = attribute.Key("polyglot.status")
	AttrDurationMS = attribute.Key("polyglot.duration_ms")
)
