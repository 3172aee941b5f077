// Package telemetry sets up OpenTelemetry tracing. Without an endpoint the
// tracer is a no-op, so instrumented code never needs a nil check.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName is the AppContext service key of the tracer provider.
const ServiceName = "telemetry.tracer"

// InstrumentationName is the tracer name used by sbeat packages.
const InstrumentationName = "github.com/flemzord/sbeat"

// Config selects the OTLP/HTTP exporter.
type Config struct {
	Endpoint    string            `yaml:"endpoint"`
	URLPath     string            `yaml:"url_path"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	ServiceName string            `yaml:"service_name"`
	SampleRatio float64           `yaml:"sample_ratio"`
	Timeout     time.Duration     `yaml:"timeout"`
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.ServiceName == "" {
		c.ServiceName = "sbeat"
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Provider owns a tracer provider and its shutdown.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// Noop returns a provider whose spans are discarded.
func Noop() *Provider {
	return &Provider{tp: noop.NewTracerProvider(), shutdown: func(context.Context) error { return nil }}
}

// New builds the exporter and SDK provider. An empty endpoint yields Noop.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	cfg.Defaults()
	if cfg.Endpoint == "" {
		return Noop(), nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(cfg.Timeout),
	}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP exporter: %w", err)
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithTelemetrySDK(),
		sdkresource.WithHost(),
		sdkresource.WithAttributes(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// WithTracerProvider wraps an existing provider, typically an SDK provider
// with an in-memory exporter in tests.
func WithTracerProvider(tp trace.TracerProvider) *Provider {
	p := &Provider{tp: tp, shutdown: func(context.Context) error { return nil }}
	if s, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
		p.shutdown = s.Shutdown
	}
	return p
}

// TracerProvider returns the wrapped provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p == nil {
		return noop.NewTracerProvider()
	}
	return p.tp
}

// Tracer returns the sbeat tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.TracerProvider().Tracer(InstrumentationName)
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.shutdown(ctx)
}
