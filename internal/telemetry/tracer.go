// Package telemetry bootstraps OpenTelemetry tracing. The runner opens a
// span per run, annotated with one event per stage.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies spans created by the runner.
const TracerName = "ductile"

// Init installs a global tracer provider that emits spans to stdout. The
// returned function flushes pending spans and shuts the provider down;
// call it before process exit or spans from short runs are lost.
func Init(serviceName string, logger *slog.Logger) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Debug("tracing enabled", slog.String("service", serviceName))

	return func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			logger.Warn("trace flush failed", slog.String("error", err.Error()))
		}
		return tp.Shutdown(ctx)
	}, nil
}

// Tracer returns the runner's tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
