package batch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics receives the Executor's progress signals.
type Metrics interface {
	IncItemsTraversed(ctx context.Context)
	IncItemsProcessed(ctx context.Context)
	IncTraversalRetries(ctx context.Context)
	IncItemErrors(ctx context.Context, method Method)
	ObserveBatchSize(ctx context.Context, method Method, size int)
	ObserveBatchDuration(ctx context.Context, method Method, d time.Duration)
}

// NopMetrics discards every signal.
type NopMetrics struct{}

func (NopMetrics) IncItemsTraversed(context.Context)                           {}
func (NopMetrics) IncItemsProcessed(context.Context)                           {}
func (NopMetrics) IncTraversalRetries(context.Context)                         {}
func (NopMetrics) IncItemErrors(context.Context, Method)                       {}
func (NopMetrics) ObserveBatchSize(context.Context, Method, int)               {}
func (NopMetrics) ObserveBatchDuration(context.Context, Method, time.Duration) {}

// executorMetrics implements Metrics on top of OpenTelemetry instruments.
type executorMetrics struct {
	itemsTraversed  metric.Int64Counter
	itemsProcessed  metric.Int64Counter
	traversalRetry  metric.Int64Counter
	itemErrors      metric.Int64Counter
	batchSize       metric.Int64Histogram
	batchDurationMs metric.Float64Histogram
}

const namespace = "batch_executor"

// NewMetrics creates the OpenTelemetry backed Metrics for an Executor.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(executorMetrics)
	var err error

	if m.itemsTraversed, err = meter.Int64Counter(
		"items_traversed_total",
		metric.WithDescription("Total number of items traversed successfully"),
	); err != nil {
		return nil, err
	}

	if m.itemsProcessed, err = meter.Int64Counter(
		"items_processed_total",
		metric.WithDescription("Total number of items processed successfully"),
	); err != nil {
		return nil, err
	}

	if m.traversalRetry, err = meter.Int64Counter(
		"traversal_retries_total",
		metric.WithDescription("Total number of items re-queued after a discovery failure"),
	); err != nil {
		return nil, err
	}

	if m.itemErrors, err = meter.Int64Counter(
		"item_errors_total",
		metric.WithDescription("Total number of terminal per-item failures"),
	); err != nil {
		return nil, err
	}

	if m.batchSize, err = meter.Int64Histogram(
		"batch_size",
		metric.WithDescription("Number of items drained into a batch"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000),
	); err != nil {
		return nil, err
	}

	if m.batchDurationMs, err = meter.Float64Histogram(
		"batch_duration_ms",
		metric.WithDescription("Time taken to complete a batch"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func methodAttr(method Method) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("method", string(method)))
}

func (m *executorMetrics) IncItemsTraversed(ctx context.Context) { m.itemsTraversed.Add(ctx, 1) }

func (m *executorMetrics) IncItemsProcessed(ctx context.Context) { m.itemsProcessed.Add(ctx, 1) }

func (m *executorMetrics) IncTraversalRetries(ctx context.Context) { m.traversalRetry.Add(ctx, 1) }

func (m *executorMetrics) IncItemErrors(ctx context.Context, method Method) {
	m.itemErrors.Add(ctx, 1, methodAttr(method))
}

func (m *executorMetrics) ObserveBatchSize(ctx context.Context, method Method, size int) {
	m.batchSize.Record(ctx, int64(size), methodAttr(method))
}

func (m *executorMetrics) ObserveBatchDuration(ctx context.Context, method Method, d time.Duration) {
	m.batchDurationMs.Record(ctx, float64(d.Milliseconds()), methodAttr(method))
}
