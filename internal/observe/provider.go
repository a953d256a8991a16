package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// TelemetryConfig configures the gateway's OpenTelemetry pipelines.
type TelemetryConfig struct {
	// ServiceName is reported in telemetry resources. Default: "parlance".
	ServiceName string

	// ServiceVersion is reported in telemetry resources.
	ServiceVersion string

	// TraceExporter receives finished spans. When nil, spans are recorded
	// in-process (trace IDs still work as correlation IDs) but nothing is
	// exported.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the head-sampling probability for new traces in (0, 1].
	// Values outside that range mean sample everything. Propagated parent
	// decisions always win, so a sampled upstream request stays sampled here.
	SampleRatio float64
}

// Telemetry owns the SDK providers for the process. Metrics always flow to
// the Prometheus exporter scraped at /metrics; traces flow to the configured
// exporter, if any. Both providers are registered globally so instrumented
// code anywhere in the tree picks them up.
type Telemetry struct {
	meter  *sdkmetric.MeterProvider
	tracer *sdktrace.TracerProvider
}

// SetupTelemetry builds and registers the global providers. Call
// [Telemetry.Shutdown] before process exit to flush exporters.
func SetupTelemetry(cfg TelemetryConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parlance"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tracer := sdktrace.NewTracerProvider(tracerOpts...)

	otel.SetMeterProvider(meter)
	otel.SetTracerProvider(tracer)

	return &Telemetry{meter: meter, tracer: tracer}, nil
}

// Shutdown flushes and closes both providers, joining their errors.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
