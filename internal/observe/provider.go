package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Telemetry owns the SDK providers that [Setup] installs as the process-wide
// OpenTelemetry globals.
type Telemetry struct {
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

type setupConfig struct {
	service string
	version string
	spans   sdktrace.SpanExporter
}

// SetupOption customises [Setup].
type SetupOption func(*setupConfig)

// WithService sets the service.name and service.version resource attributes.
func WithService(name, version string) SetupOption {
	return func(c *setupConfig) {
		if name != "" {
			c.service = name
		}
		c.version = version
	}
}

// WithSpanExporter batches finished spans to exp. Without it spans are
// sampled and propagated but never leave the process.
func WithSpanExporter(exp sdktrace.SpanExporter) SetupOption {
	return func(c *setupConfig) { c.spans = exp }
}

// Setup registers a meter provider backed by the Prometheus exporter, so
// every instrument shows up on /metrics, and a tracer provider. W3C trace
// context becomes the global propagator.
func Setup(opts ...SetupOption) (*Telemetry, error) {
	cfg := setupConfig{service: "switchboard"}
	for _, o := range opts {
		o(&cfg)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.service),
		semconv.ServiceVersion(cfg.version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.spans != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(cfg.spans))
	}

	t := &Telemetry{
		meters: sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)),
		traces: sdktrace.NewTracerProvider(traceOpts...),
	}
	otel.SetMeterProvider(t.meters)
	otel.SetTracerProvider(t.traces)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return t, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.traces.Shutdown(ctx), t.meters.Shutdown(ctx))
}
