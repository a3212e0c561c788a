package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider wraps the tracer provider for one process, adapted from
// pkg/telemetry/otel.go's AutoOTEL pattern (kept over telemetry/otel.go's
// otlptracehttp variant because this teacher's go.mod actually carries
// otlptracegrpc — see DESIGN.md entry "telemetry").
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	serviceName    string
}

// NewProvider configures OTel for serviceName. With OTEL_SDK_DISABLED=true
// no exporter is attached and spans are not exported at all; with no
// endpoint configured, spans are exported to stdout only — useful in local
// development without standing up a collector.
func NewProvider(ctx context.Context, serviceName string) (*Provider, error) {
	if os.Getenv("OTEL_SDK_DISABLED") == "true" {
		tp := sdktrace.NewTracerProvider()
		return &Provider{TracerProvider: tp, Tracer: tp.Tracer(serviceName), serviceName: serviceName}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			attribute.String("waitlist.component", serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
		}
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithoutTimestamps())
		if err != nil {
			return nil, fmt.Errorf("telemetry: build stdout exporter: %w", err)
		}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{TracerProvider: tp, Tracer: tp.Tracer(serviceName), serviceName: serviceName}, nil
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.TracerProvider == nil {
		return nil
	}
	return p.TracerProvider.Shutdown(ctx)
}

// StartSpan starts a span named name, mirroring core.Telemetry's contract
// so this Provider can stand in wherever a core.Telemetry is expected.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return p.Tracer.Start(ctx, name)
}

// TraceIDFromContext extracts the active trace id, if any, for log correlation.
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().HasTraceID() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
