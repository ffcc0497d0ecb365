package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/batchwalk/internal/queue"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

var _ queue.Queue = (*Queue)(nil)

// delayHeader carries SendOptions.Delay. Kafka has no delayed delivery, so the
// delay is advisory and surfaces to readers as a message attribute.
const delayHeader = "batchwalk-delay-ms"

// Queue is a queue.Queue over one Kafka topic.
type Queue struct {
	topic    string
	readWait time.Duration

	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	offsets  offsetStore

	startOnce sync.Once
	startErr  error
	msgs      chan *sarama.ConsumerMessage
	pcs       []sarama.PartitionConsumer
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}

	mu   sync.Mutex
	acks map[int32]*ackTracker

	logger *logger.Logger
	tracer trace.Tracer
}

// NewQueue builds a Queue on client. The Queue takes ownership of the client
// and closes it in Close.
func NewQueue(cfg *Config, client sarama.Client, logger *logger.Logger, tracer trace.Tracer) (*Queue, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("creating consumer: %w", err)
	}
	offsets, err := newSaramaOffsets(cfg.Topic, cfg.GroupID, client)
	if err != nil {
		producer.Close()
		consumer.Close()
		return nil, err
	}
	q := newQueue(cfg, producer, consumer, offsets, logger, tracer)
	q.client = client
	return q, nil
}

func newQueue(
	cfg *Config,
	producer sarama.SyncProducer,
	consumer sarama.Consumer,
	offsets offsetStore,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Queue {
	readWait := cfg.ReadWait
	if readWait <= 0 {
		readWait = DefaultReadWait
	}
	return &Queue{
		topic:    cfg.Topic,
		readWait: readWait,
		producer: producer,
		consumer: consumer,
		offsets:  offsets,
		msgs:     make(chan *sarama.ConsumerMessage),
		done:     make(chan struct{}),
		acks:     make(map[int32]*ackTracker),
		logger:   logger.With("component", "kafka_queue", "topic", cfg.Topic),
		tracer:   tracer,
	}
}

// SendMessage publishes body to the topic. The returned ID is the message's
// "partition:offset" position.
func (q *Queue) SendMessage(ctx context.Context, body []byte, opts ...queue.SendOption) (string, error) {
	ctx, span := startProducerSpan(ctx, q.topic, q.tracer)
	defer span.End()

	o := queue.ApplySendOptions(opts...)

	msg := &sarama.ProducerMessage{
		Topic: q.topic,
		Value: sarama.ByteEncoder(body),
	}
	if o.Key != "" {
		msg.Key = sarama.StringEncoder(o.Key)
	}
	for k, v := range o.Attributes {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	if o.Delay > 0 {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(delayHeader),
			Value: []byte(strconv.FormatInt(o.Delay.Milliseconds(), 10)),
		})
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := q.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send message")
		return "", fmt.Errorf("failed to send message: %w", err)
	}

	pos := Position{Partition: partition, Offset: offset}
	span.SetAttributes(attribute.String("message_id", pos.Identifier()))
	return pos.Identifier(), nil
}

// ReadMessageBody waits up to Config.ReadWait for the next message.
func (q *Queue) ReadMessageBody(ctx context.Context) (queue.Message, error) {
	if err := q.start(ctx); err != nil {
		return queue.Message{}, err
	}

	timer := time.NewTimer(q.readWait)
	defer timer.Stop()

	var msg *sarama.ConsumerMessage
	select {
	case msg = <-q.msgs:
	case <-timer.C:
		return queue.Message{}, queue.ErrEmpty
	case <-ctx.Done():
		return queue.Message{}, ctx.Err()
	case <-q.done:
		return queue.Message{}, queue.ErrClosed
	}

	ctx, span := startConsumerSpan(ctx, msg, q.tracer)
	defer span.End()

	q.mu.Lock()
	tracker, ok := q.acks[msg.Partition]
	if !ok {
		tracker = newAckTracker()
		q.acks[msg.Partition] = tracker
	}
	tracker.deliver(msg.Offset)
	q.mu.Unlock()

	pos := Position{Partition: msg.Partition, Offset: msg.Offset}
	attrs := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h != nil {
			attrs[string(h.Key)] = string(h.Value)
		}
	}
	q.logger.Debug(ctx, "Message received", "position", pos.Identifier())

	return queue.Message{
		ID:         pos.Identifier(),
		Receipt:    pos.Identifier(),
		Body:       msg.Value,
		Attributes: attrs,
		EnqueuedAt: msg.Timestamp,
	}, nil
}

// RemoveMessage acknowledges a delivered message and commits the group offset
// as far as every earlier delivery has also been removed.
func (q *Queue) RemoveMessage(ctx context.Context, receipt string) error {
	ctx, span := q.tracer.Start(ctx, "kafka_queue.remove_message", trace.WithAttributes(
		attribute.String("receipt", receipt),
	))
	defer span.End()

	pos, err := ParsePosition(receipt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid receipt")
		return fmt.Errorf("%w: %v", queue.ErrUnknownReceipt, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tracker, ok := q.acks[pos.Partition]
	if !ok {
		span.SetStatus(codes.Error, "unknown partition")
		return queue.ErrUnknownReceipt
	}
	next, advanced, err := tracker.ack(pos.Offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unknown offset")
		return fmt.Errorf("%w: %v", queue.ErrUnknownReceipt, err)
	}
	if !advanced {
		return nil
	}

	if err := q.offsets.Mark(pos.Partition, next); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark offset")
		return fmt.Errorf("failed to mark offset: %w", err)
	}
	q.offsets.Commit()
	span.AddEvent("offset_committed", trace.WithAttributes(attribute.Int64("next_offset", next)))
	q.logger.Debug(ctx, "Offset committed", "partition", pos.Partition, "next_offset", next)

	return nil
}

// start begins consuming every partition of the topic from the group's
// committed offsets. It runs once; later calls return the first result.
func (q *Queue) start(ctx context.Context) error {
	q.startOnce.Do(func() {
		select {
		case <-q.done:
			q.startErr = queue.ErrClosed
			return
		default:
		}

		partitions, err := q.consumer.Partitions(q.topic)
		if err != nil {
			q.startErr = fmt.Errorf("failed to list partitions: %w", err)
			return
		}

		for _, p := range partitions {
			offset, err := q.offsets.NextOffset(p)
			if err != nil {
				q.startErr = err
				return
			}
			pc, err := q.consumer.ConsumePartition(q.topic, p, offset)
			if err != nil {
				q.startErr = fmt.Errorf("failed to consume partition %d: %w", p, err)
				return
			}
			q.pcs = append(q.pcs, pc)

			q.wg.Add(2)
			go q.forward(pc)
			go q.drainErrors(ctx, p, pc)
		}
		q.logger.Info(ctx, "Consuming topic", "partitions", len(partitions))
	})
	if q.startErr != nil {
		return q.startErr
	}
	return nil
}

func (q *Queue) forward(pc sarama.PartitionConsumer) {
	defer q.wg.Done()
	for msg := range pc.Messages() {
		select {
		case q.msgs <- msg:
		case <-q.done:
			return
		}
	}
}

func (q *Queue) drainErrors(ctx context.Context, partition int32, pc sarama.PartitionConsumer) {
	defer q.wg.Done()
	for err := range pc.Errors() {
		q.logger.Error(context.WithoutCancel(ctx), "Partition consumer error", "partition", partition, "error", err)
	}
}

// Close stops consumption and releases the producer, consumer and offset
// manager. Messages read but not removed are delivered again to the next
// reader of the group.
func (q *Queue) Close() error {
	var errs []error
	q.closeOnce.Do(func() {
		close(q.done)
		for _, pc := range q.pcs {
			pc.AsyncClose()
		}
		q.wg.Wait()

		if err := q.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consumer: %w", err))
		}
		if err := q.offsets.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := q.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing producer: %w", err))
		}
		if q.client != nil {
			if err := q.client.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing client: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}
