// Package tracing wires an OpenTelemetry tracer for the gateway's RPC
// dispatch path. Grounded on the OTLP HTTP exporter + batched trace
// provider setup pattern used by the example pack's observer package,
// pared down to the trace-only subset clawd's go.mod carries.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/clawd-io/clawd/internal/config"
)

const scopeName = "github.com/clawd-io/clawd/internal/gateway"

// Shutdown flushes and stops the tracer provider. Safe to call on a
// no-op tracer (when tracing is disabled).
type Shutdown func(context.Context) error

// Setup installs a tracer provider per cfg.Telemetry and returns the
// scoped tracer plus a shutdown func. With no endpoint configured, the
// returned tracer is the global no-op tracer and shutdown is a no-op.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (trace.Tracer, Shutdown, error) {
	if cfg.Endpoint == "" {
		return otel.Tracer(scopeName), func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "clawd"
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("build otel resource: %w", err)
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("build otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Tracer(scopeName), tp.Shutdown, nil
}

// MethodAttribute tags a span with the RPC method it dispatched.
func MethodAttribute(method string) attribute.KeyValue {
	return attribute.String("rpc.method", method)
}
