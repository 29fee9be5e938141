package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the OpenTelemetry SDK for the sidecar.
type ProviderConfig struct {
	// ServiceName reported in telemetry. Default: "parley".
	ServiceName string

	// ServiceVersion reported in telemetry.
	ServiceVersion string

	// AgentID tags everything this process exports with the agent the
	// sidecar fronts, so telemetry from several widget deployments can be
	// told apart on a shared backend.
	AgentID string

	// TraceExporter receives finished spans. When nil, spans are still
	// recorded in-process but nothing leaves the process; the widget works
	// fine without a trace backend.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider wires the global OTel providers. Metrics flow through the
// Prometheus bridge so the sidecar's /metrics endpoint can serve them without
// a collector in between; traces batch to cfg.TraceExporter when one is
// supplied. The returned function shuts both providers down and is meant for
// a defer in main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "parley"
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.AgentID != "" {
		attrs = append(attrs, attribute.String("parley.agent.id", cfg.AgentID))
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: building resource: %w", err)
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
