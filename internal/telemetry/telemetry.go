// Package telemetry sets up OpenTelemetry for a run.
//
// It is off unless ADOMIGRATE_OTEL_ENABLED=true. When on, spans are printed to
// stderr, metrics go to stdout with ADOMIGRATE_OTEL_STDOUT=true and to an
// OTLP/HTTP collector when OTEL_EXPORTER_OTLP_[METRICS_]ENDPOINT is set.
package telemetry

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Enabled reports whether ADOMIGRATE_OTEL_ENABLED=true.
func Enabled() bool {
	return os.Getenv("ADOMIGRATE_OTEL_ENABLED") == "true"
}

// Init installs the global providers, no-op ones when telemetry is off.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return fmt.Errorf("telemetry: span exporter: %w", err)
	}
	providers.tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(spans))
	otel.SetTracerProvider(providers.tp)

	readers, err := metricReaders(ctx)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	providers.mp = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(providers.mp)
	return nil
}

func metricReaders(ctx context.Context) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader
	if os.Getenv("ADOMIGRATE_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)))
	}
	endpoint := cmp.Or(os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"), os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint != "" {
		exp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)))
	}
	return readers, nil
}

// Tracer returns the global tracer for scope.
func Tracer(scope string) trace.Tracer { return otel.Tracer(scope) }

// Meter returns the global meter for scope.
func Meter(scope string) metric.Meter { return otel.Meter(scope) }

// Shutdown flushes pending spans and metrics. Safe to call when Init
// installed no-op providers.
func Shutdown(ctx context.Context) {
	if providers.tp != nil {
		_ = providers.tp.Shutdown(ctx)
	}
	if providers.mp != nil {
		_ = providers.mp.Shutdown(ctx)
	}
	providers.tp, providers.mp = nil, nil
}
