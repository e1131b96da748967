package app

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const serviceName = "intercom-agent"

type telemetry struct {
	provider *sdktrace.TracerProvider
}

// setupTelemetry installs a global tracer provider exporting over OTLP/HTTP.
// An empty endpoint leaves the no-op provider in place.
func setupTelemetry(ctx context.Context, endpoint, environment string) (*telemetry, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return &telemetry{}, nil
	}
	var opt otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opt = otlptracehttp.WithEndpointURL(endpoint)
	} else {
		opt = otlptracehttp.WithEndpoint(endpoint)
	}
	exporter, err := otlptracehttp.New(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("deployment.environment", environment),
		)),
	)
	otel.SetTracerProvider(provider)
	return &telemetry{provider: provider}, nil
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
