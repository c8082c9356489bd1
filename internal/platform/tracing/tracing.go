// Package tracing wires OpenTelemetry for the pipeline: a tracer provider that
// reports finished spans through zerolog, and trace-context propagation over
// AMQP message headers.
package tracing

import (
	"context"
	"sort"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ehr/eventpipe"

// Tracer returns the pipeline tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Setup installs the global tracer provider and the W3C propagator. The
// returned func flushes pending spans and stops the provider.
func Setup(serviceName string, logger zerolog.Logger) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		sdktrace.WithBatcher(&logExporter{logger: logger.With().Str("component", "tracing").Logger()}),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown
}

type logExporter struct {
	logger zerolog.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		evt := e.logger.Debug()
		if s.Status().Code == codes.Error {
			evt = e.logger.Warn().Str("error", s.Status().Description)
		}
		evt.
			Str("trace_id", s.SpanContext().TraceID().String()).
			Str("span_id", s.SpanContext().SpanID().String()).
			Str("span", s.Name()).
			Dur("duration", s.EndTime().Sub(s.StartTime())).
			Msg("span")
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error { return nil }

// HeaderCarrier adapts AMQP headers to propagation.TextMapCarrier.
type HeaderCarrier amqp.Table

func (h HeaderCarrier) Get(key string) string {
	s, _ := h[key].(string)
	return s
}

func (h HeaderCarrier) Set(key, value string) {
	h[key] = value
}

func (h HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Inject writes the span context of ctx into headers.
func Inject(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))
}

// Extract returns ctx carrying the remote span context found in headers, if any.
func Extract(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
}
