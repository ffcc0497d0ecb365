package batch

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/batchwalk/pkg/common"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// Option configures an Executor.
type Option func(*Executor)

// WithConfig sets the concurrency and pacing configuration.
func WithConfig(cfg Config) Option {
	return func(e *Executor) { e.cfg = cfg }
}

// WithLogger sets the logger used for progress and per-item failures.
func WithLogger(log *logger.Logger) Option {
	return func(e *Executor) {
		if log != nil {
			e.logger = log
		}
	}
}

// WithTracer sets the tracer used for run and batch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRateLimiter shares a limiter across executors so several of them stay
// within one downstream quota. It takes precedence over Config.ProcessRate.
func WithRateLimiter(rl *common.RateLimiter) Option {
	return func(e *Executor) { e.limiter = rl }
}
