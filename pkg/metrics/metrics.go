// Package metrics exposes executor progress as Prometheus metrics and serves
// them, together with runtime visualisations, on a debug listener.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ahrav/batchwalk/pkg/batch"
)

var _ batch.Metrics = (*Metrics)(nil)

// Metrics implements batch.Metrics with Prometheus collectors.
type Metrics struct {
	ItemsTraversed   prometheus.Counter
	ItemsProcessed   prometheus.Counter
	TraversalRetries prometheus.Counter
	ItemErrors       *prometheus.CounterVec
	BatchSize        *prometheus.HistogramVec
	BatchDuration    *prometheus.HistogramVec
}

func (m *Metrics) IncItemsTraversed(context.Context)   { m.ItemsTraversed.Inc() }
func (m *Metrics) IncItemsProcessed(context.Context)   { m.ItemsProcessed.Inc() }
func (m *Metrics) IncTraversalRetries(context.Context) { m.TraversalRetries.Inc() }

func (m *Metrics) IncItemErrors(_ context.Context, method batch.Method) {
	m.ItemErrors.WithLabelValues(string(method)).Inc()
}

func (m *Metrics) ObserveBatchSize(_ context.Context, method batch.Method, size int) {
	m.BatchSize.WithLabelValues(string(method)).Observe(float64(size))
}

func (m *Metrics) ObserveBatchDuration(_ context.Context, method batch.Method, d time.Duration) {
	m.BatchDuration.WithLabelValues(string(method)).Observe(d.Seconds())
}

// New creates a Metrics instance registered with reg. A nil reg registers
// with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ItemsTraversed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_traversed_total",
			Help:      "Total number of items whose children were discovered",
		}),
		ItemsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Total number of items processed successfully",
		}),
		TraversalRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traversal_retries_total",
			Help:      "Total number of items re-queued after a discovery failure",
		}),
		ItemErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_errors_total",
			Help:      "Total number of terminal per-item failures",
		}, []string{"method"}),
		BatchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of items drained into a batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"method"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time taken to complete a batch",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16),
		}, []string{"method"}),
	}
}

// Multi fans every signal out to each of ms.
type Multi []batch.Metrics

var _ batch.Metrics = Multi(nil)

func (ms Multi) IncItemsTraversed(ctx context.Context) {
	for _, m := range ms {
		m.IncItemsTraversed(ctx)
	}
}

func (ms Multi) IncItemsProcessed(ctx context.Context) {
	for _, m := range ms {
		m.IncItemsProcessed(ctx)
	}
}

func (ms Multi) IncTraversalRetries(ctx context.Context) {
	for _, m := range ms {
		m.IncTraversalRetries(ctx)
	}
}

func (ms Multi) IncItemErrors(ctx context.Context, method batch.Method) {
	for _, m := range ms {
		m.IncItemErrors(ctx, method)
	}
}

func (ms Multi) ObserveBatchSize(ctx context.Context, method batch.Method, size int) {
	for _, m := range ms {
		m.ObserveBatchSize(ctx, method, size)
	}
}

func (ms Multi) ObserveBatchDuration(ctx context.Context, method batch.Method, d time.Duration) {
	for _, m := range ms {
		m.ObserveBatchDuration(ctx, method, d)
	}
}
