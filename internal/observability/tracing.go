// Package observability provides OpenTelemetry-based tracing for the
// grading lifecycle. All features are opt-in; when no provider is
// configured the no-op tracer is used with zero overhead.
package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name for tracing.
const TracerName = "saiten"

// Semantic attribute keys for grading spans.
const (
	AttrSessionID = "saiten.session_id"
	AttrBatchID   = "saiten.batch_id"
	AttrJobID     = "saiten.job_id"
	AttrOutcome   = "saiten.outcome"

	LogFieldTraceID = "trace_id"
	LogFieldSpanID  = "span_id"
)

// Tracer wraps an OpenTelemetry tracer with grading-specific span
// creation methods.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// NewTracer creates a new Tracer using the given TracerProvider.
func NewTracer(tp trace.TracerProvider, serviceName string) *Tracer {
	return &Tracer{
		tracer:      tp.Tracer(TracerName),
		serviceName: serviceName,
	}
}

// StartSpan starts a new span with the given name and attributes.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartSubmit starts a span for a grading submission.
func (t *Tracer) StartSubmit(ctx context.Context, sessionID, batchID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "grading.submit", trace.WithAttributes(
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrBatchID, batchID),
	))
}

// StartCancel starts a span for a grading cancellation.
func (t *Tracer) StartCancel(ctx context.Context, sessionID, jobID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "grading.cancel", trace.WithAttributes(
		attribute.String(AttrSessionID, sessionID),
		attribute.String(AttrJobID, jobID),
	))
}

// StartRecover starts a span for a session recovery attach.
func (t *Tracer) StartRecover(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "grading.recover", trace.WithAttributes(
		attribute.String(AttrSessionID, sessionID),
	))
}

// StartDBQuery starts a span for a journal query.
func (t *Tracer) StartDBQuery(ctx context.Context, operation string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "db.query", trace.WithAttributes(
		attribute.String("db.operation", operation),
	))
}

// RecordError records an error on the span.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetOutcome tags the span with the terminal outcome of the operation.
func (t *Tracer) SetOutcome(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String(AttrOutcome, outcome))
}

// LoggerWithTrace returns a logger enriched with trace context.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.With(
		slog.String(LogFieldTraceID, span.SpanContext().TraceID().String()),
		slog.String(LogFieldSpanID, span.SpanContext().SpanID().String()),
	)
}
