// Package tracing wires an OpenTelemetry tracer provider for the callout
// runtime, exporting spans over OTLP/gRPC when enabled and extracting W3C
// trace context from incoming Envoy callout metadata.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

// Config controls tracer construction. Mirrors the [tracing] section of the
// on-disk configuration surface.
type Config struct {
	Enabled            bool
	Endpoint           string
	Insecure           bool
	ServiceName        string
	ServiceVersion     string
	BatchTimeout       time.Duration
	MaxExportBatchSize int
	SamplingRate       float64
}

// ShutdownFunc flushes and stops the tracer provider. Safe to call multiple
// times; later calls are no-ops.
type ShutdownFunc func(context.Context) error

// InitTracer builds and installs the global tracer provider. When
// cfg.Enabled is false it installs nothing and returns a no-op shutdown
// func, so callers never need to branch on whether tracing is on.
func InitTracer(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create OTLP exporter: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SamplingRate > 0 && cfg.SamplingRate < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	batchOpts := []sdktrace.BatchSpanProcessorOption{}
	if cfg.BatchTimeout > 0 {
		batchOpts = append(batchOpts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	if cfg.MaxExportBatchSize > 0 {
		batchOpts = append(batchOpts, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter, batchOpts...)),
		sdktrace.WithResource(newResource(cfg)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

// Tracer returns the named tracer from the globally installed provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// ExtractTraceContext pulls a W3C traceparent/tracestate pair out of
// incoming gRPC metadata and returns a context carrying the parent span, if
// any was present.
func ExtractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	carrier := propagation.MapCarrier{}
	if values := md.Get("traceparent"); len(values) > 0 {
		carrier.Set("traceparent", values[0])
	}
	if values := md.Get("tracestate"); len(values) > 0 {
		carrier.Set("tracestate", values[0])
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
