package otel

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewMeterProvider creates a local meter provider with the given service name.
// It has no reader attached and is used when no exporter is configured.
func NewMeterProvider(serviceName string) (metric.MeterProvider, error) {
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(NewResource(serviceName)),
	)

	return mp, nil
}

// NewResource creates a new OpenTelemetry resource with service name.
func NewResource(serviceName string, extra ...attribute.KeyValue) *resource.Resource {
	attrs := append([]attribute.KeyValue{semconv.ServiceNameKey.String(serviceName)}, extra...)
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}
