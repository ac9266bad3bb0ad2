package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name shared by the settlement packages.
const InstrumentationName = "github.com/punchamoorthee/payflow"

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Setup installs an OTLP/HTTP tracer provider when endpoint is set. The returned
// shutdown function flushes pending spans; it is a no-op when tracing is disabled.
func Setup(ctx context.Context, service, env, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("deployment.environment", env),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
