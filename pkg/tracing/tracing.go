// Package tracing wraps the OpenTelemetry tracer used across stages and stores.
// Until Init installs a provider every helper is a no-op.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a child span, or hands back the current one when tracing is off.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// StageAttributes labels a span with the stage it runs for.
func StageAttributes(runID, namespace, table, stage string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("namespace", namespace),
		attribute.String("table", table),
	}
	if stage != "" {
		attrs = append(attrs, attribute.String("stage", stage))
	}
	if runID != "" {
		attrs = append(attrs, attribute.String("run_id", runID))
	}
	return attrs
}

func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Carrier returns the W3C traceparent and tracestate of the active span, empty when there is none.
func Carrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	if active(ctx) != nil {
		propagation.TraceContext{}.Inject(ctx, carrier)
	}
	return carrier
}

func GetTraceID(ctx context.Context) string {
	if span := active(ctx); span != nil {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

func GetSpanID(ctx context.Context) string {
	if span := active(ctx); span != nil {
		return span.SpanContext().SpanID().String()
	}
	return ""
}

func active(ctx context.Context) trace.Span {
	if tracer == nil {
		return nil
	}
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span
	}
	return nil
}
