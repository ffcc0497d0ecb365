// Package sink delivers items produced by a provider's Process step.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/ahrav/batchwalk/internal/queue"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

// Sink receives processed records.
type Sink interface {
	Emit(ctx context.Context, record any) error
}

// Func adapts a function to a Sink.
type Func func(ctx context.Context, record any) error

func (f Func) Emit(ctx context.Context, record any) error { return f(ctx, record) }

var (
	_ Sink = (*QueueSink)(nil)
	_ Sink = (*LogSink)(nil)
)

// QueueSink publishes each record as a JSON message.
type QueueSink struct {
	queue queue.Queue
	attrs map[string]string
}

// NewQueueSink creates a sink that sends to q. attrs are attached to every
// message in addition to a "type" attribute naming the record's Go type.
func NewQueueSink(q queue.Queue, attrs map[string]string) *QueueSink {
	return &QueueSink{queue: q, attrs: attrs}
}

func (s *QueueSink) Emit(ctx context.Context, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	opts := make([]queue.SendOption, 0, len(s.attrs)+1)
	opts = append(opts, queue.WithAttribute("type", typeName(record)))
	for k, v := range s.attrs {
		opts = append(opts, queue.WithAttribute(k, v))
	}

	if _, err := s.queue.SendMessage(ctx, body, opts...); err != nil {
		return fmt.Errorf("failed to publish record: %w", err)
	}
	return nil
}

// LogSink writes each record to the logger at info level.
type LogSink struct {
	logger *logger.Logger
}

// NewLogSink creates a sink that logs records.
func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{logger: log.With("component", "log_sink")}
}

func (s *LogSink) Emit(ctx context.Context, record any) error {
	s.logger.Info(ctx, "Record processed", "type", typeName(record), "record", record)
	return nil
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
