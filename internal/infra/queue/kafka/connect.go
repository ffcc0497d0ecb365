package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// ConnectWithRetry connects to the brokers and builds a Queue, retrying with
// exponential backoff for up to five minutes. It tolerates brokers that are
// still starting when the walker boots.
func ConnectWithRetry(ctx context.Context, cfg *Config, log *logger.Logger, tracer trace.Tracer) (*Queue, error) {
	var q *Queue

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		client, err := NewClient(cfg)
		if err != nil {
			log.Warn(ctx, "Failed to connect to Kafka, will retry", "brokers", cfg.Brokers, "error", err)
			return err
		}

		q, err = NewQueue(cfg, client, log, tracer)
		if err != nil {
			client.Close()
			log.Warn(ctx, "Failed to create Kafka queue, will retry", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka after retries: %w", err)
	}

	return q, nil
}
