// Package telemetry wires the bridge host's OpenTelemetry tracer
// provider. Spans wrap tool dispatch and CDP command round-trips per
// SPEC_FULL.md §4.11; export defaults to stdout since tracing here is a
// debugging aid, not load-bearing for correctness.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/mrdemonbkgit/claude-code-chrome-wsl-windows/pkg/cdp"

// TracerProvider owns the process's OpenTelemetry tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// NewTracerProvider builds a tracer provider exporting to stdout and
// installs it as the global provider.
func NewTracerProvider(serviceName string) (*TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

// Noop installs a no-op tracer provider, used when tracing is disabled
// via config so callers can call Tracer() unconditionally.
func Noop() {
	otel.SetTracerProvider(noop.NewTracerProvider())
}

// Shutdown flushes and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the package-wide tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named spanName under ctx.
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// Common attribute keys used across dispatch and CDP spans.
var (
	AttrToolName   = attribute.Key("cdpbridge.tool.name")
	AttrClientID   = attribute.Key("cdpbridge.client.id")
	AttrCdpMethod  = attribute.Key("cdpbridge.cdp.method")
	AttrCommandID  = attribute.Key("cdpbridge.cdp.command_id")
	AttrTargetID   = attribute.Key("cdpbridge.target.id")
)
