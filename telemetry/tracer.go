package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProvider creates a tracer provider from cfg and installs it as
// the global provider, which is where the engine's spans go. Spans are
// written to w as JSON by the stdout exporter. Callers must Shutdown the
// provider to flush buffered spans.
func NewTracerProvider(cfg Config, w io.Writer) (*sdktrace.TracerProvider, error) {
	if !cfg.Tracing.Enabled {
		// Provider without exporters: spans are created but dropped.
		return sdktrace.NewTracerProvider(), nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(cfg.Tracing.SamplingRate),
		)),
	}

	switch cfg.Tracing.Exporter {
	case "", "stdout":
		exporter, err := stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		batchOpts := []sdktrace.BatchSpanProcessorOption{}
		if cfg.Tracing.ExportTimeout > 0 {
			batchOpts = append(batchOpts, sdktrace.WithExportTimeout(cfg.Tracing.ExportTimeout))
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, batchOpts...))
	case "none":
		// No exporter - traces are generated but not exported
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Tracing.Exporter)
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)
	return provider, nil
}

// Shutdown flushes and stops provider, ignoring a nil provider.
func Shutdown(ctx context.Context, provider *sdktrace.TracerProvider) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
