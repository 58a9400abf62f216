package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const httpScopeName = "github.com/adomigrate/adomigrate/http"

// HTTPInstruments records one span per logical call and counts every attempt.
type HTTPInstruments struct {
	tracer   trace.Tracer
	attempts metric.Int64Counter
	retries  metric.Int64Counter
	failures metric.Int64Counter
	dur      metric.Float64Histogram
}

// NewHTTPInstruments builds instruments from the global providers. With
// telemetry disabled these are no-ops.
func NewHTTPInstruments() *HTTPInstruments {
	m := Meter(httpScopeName)
	attempts, _ := m.Int64Counter("adomigrate.http.attempts",
		metric.WithDescription("HTTP attempts sent to the tracker, including retries"),
	)
	retries, _ := m.Int64Counter("adomigrate.http.retries",
		metric.WithDescription("HTTP attempts that were retried after a transient failure"),
	)
	failures, _ := m.Int64Counter("adomigrate.http.failures",
		metric.WithDescription("Calls that ended in a terminal failure"),
	)
	dur, _ := m.Float64Histogram("adomigrate.http.duration",
		metric.WithDescription("Duration of a logical call, retries and backoff included"),
		metric.WithUnit("ms"),
	)
	return &HTTPInstruments{
		tracer:   Tracer(httpScopeName),
		attempts: attempts,
		retries:  retries,
		failures: failures,
		dur:      dur,
	}
}

// Start opens the span for a logical call.
func (h *HTTPInstruments) Start(ctx context.Context, method, url string) (context.Context, trace.Span, time.Time) {
	ctx, span := h.tracer.Start(ctx, "http "+method,
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", url),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, span, time.Now()
}

// Attempt counts one request put on the wire.
func (h *HTTPInstruments) Attempt(ctx context.Context, method string, status int) {
	h.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.Int("http.response.status_code", status),
	))
}

// Retry counts one retried attempt.
func (h *HTTPInstruments) Retry(ctx context.Context, method string) {
	h.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("http.request.method", method)))
}

// Done ends the span and records duration and error.
func (h *HTTPInstruments) Done(ctx context.Context, span trace.Span, start time.Time, method string, attempts int, err error) {
	attrs := metric.WithAttributes(attribute.String("http.request.method", method))
	h.dur.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	span.SetAttributes(attribute.Int("http.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.failures.Add(ctx, 1, attrs)
	}
	span.End()
}
