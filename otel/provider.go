package otel

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures SDK tracing initialization.
type ProviderConfig struct {
	// Enabled turns exporting on. When false, Init returns a noop
	// Provider without connecting to any external service.
	Enabled bool

	// Endpoint is the OTLP/HTTP collector endpoint (host:port).
	Endpoint string

	// ServiceName reported in the trace resource (default: "arborflow").
	ServiceName string

	// SampleRate in [0, 1] (default: 1).
	SampleRate float64

	Logger *slog.Logger
}

// Provider holds the SDK TracerProvider. When tracing is disabled the
// inner provider is nil and Shutdown is a no-op.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init initializes SDK tracing and registers the global tracer provider.
func Init(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		logger.Info("tracing disabled, using noop provider")
		return &Provider{}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "arborflow"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)

	otelapi.SetTracerProvider(tp)
	otelapi.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		"endpoint", cfg.Endpoint,
		"service_name", serviceName,
		"sample_rate", sampleRate,
	)

	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and closes the exporter. Safe to call on
// a noop Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// buildVersion extracts the module version from Go build info.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
