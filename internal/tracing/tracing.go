// Package tracing exports turn and model-router spans via OpenTelemetry.
// It is optional: when TelemetryConfig.Enabled is false (the default), Init
// leaves otel's default no-op provider in place and the rest of the package
// is inert.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors the fields of config.TelemetryConfig this package needs,
// kept independent of the config package to avoid an import cycle.
type Config struct {
	Enabled     bool
	Endpoint    string
	Protocol    string // "grpc" (default) or "http"
	Insecure    bool
	ServiceName string
	Headers     map[string]string
}

// Shutdown flushes and stops the tracer provider. Safe to call even when
// tracing was never enabled.
type Shutdown func(context.Context) error

var tracer trace.Tracer = otel.Tracer("turnplane")

// Init configures the global tracer provider from cfg. When cfg.Enabled is
// false, it leaves otel's default no-op provider in place and returns a
// no-op shutdown func.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "turnplane-gateway"
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	tracer = provider.Tracer("turnplane")

	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// StartTurnSpan starts a span covering one agent turn.
func StartTurnSpan(ctx context.Context, sessionID string, turnNumber int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("turn.number", turnNumber),
		),
	)
}

// StartModelSpan starts a model-router span tagged with a provider, model
// and attempt number.
func StartModelSpan(ctx context.Context, provider, model string, attempt int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "modelrouter.attempt",
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.Int("attempt", attempt),
		),
	)
}

// StartToolSpan starts a span covering one tool-call interception.
func StartToolSpan(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "middleware.tool_call",
		trace.WithAttributes(attribute.String("tool.name", toolName)),
	)
}
