package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/batchwalk/internal/queue"
	"github.com/ahrav/batchwalk/pkg/common/logger"
)

const testTopic = "walk"

type fakeOffsets struct {
	mu        sync.Mutex
	committed map[int32]int64
	marks     map[int32]int64
	commits   int
	closed    bool
}

func newFakeOffsets() *fakeOffsets {
	return &fakeOffsets{committed: make(map[int32]int64), marks: make(map[int32]int64)}
}

func (f *fakeOffsets) NextOffset(p int32) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.committed[p]; ok {
		return o, nil
	}
	return sarama.OffsetOldest, nil
}

func (f *fakeOffsets) Mark(p int32, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[p] = offset
	return nil
}

func (f *fakeOffsets) Commit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	for p, o := range f.marks {
		f.committed[p] = o
	}
}

func (f *fakeOffsets) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestQueue(t *testing.T, offsets *fakeOffsets) (*Queue, *mocks.SyncProducer, *mocks.Consumer) {
	t.Helper()

	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{testTopic: {0}})

	q := newQueue(
		&Config{Topic: testTopic, ReadWait: 50 * time.Millisecond},
		producer,
		consumer,
		offsets,
		logger.Discard(),
		noop.NewTracerProvider().Tracer("test"),
	)
	return q, producer, consumer
}

func TestQueue_SendMessage(t *testing.T) {
	q, producer, _ := newTestQueue(t, newFakeOffsets())

	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testTopic {
			return errors.New("wrong topic")
		}
		key, err := msg.Key.Encode()
		if err != nil || string(key) != "job-1" {
			return errors.New("missing key")
		}
		var sawAttr, sawDelay bool
		for _, h := range msg.Headers {
			switch string(h.Key) {
			case "type":
				sawAttr = string(h.Value) == "continuation"
			case delayHeader:
				sawDelay = string(h.Value) == "1500"
			}
		}
		if !sawAttr || !sawDelay {
			return errors.New("missing headers")
		}
		return nil
	})

	id, err := q.SendMessage(context.Background(), []byte(`{"jobId":"x"}`),
		queue.WithKey("job-1"),
		queue.WithAttribute("type", "continuation"),
		queue.WithDelay(1500*time.Millisecond),
	)
	require.NoError(t, err)

	_, err = ParsePosition(id)
	assert.NoError(t, err)

	require.NoError(t, q.Close())
}

func TestQueue_SendMessageFailure(t *testing.T) {
	q, producer, _ := newTestQueue(t, newFakeOffsets())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	_, err := q.SendMessage(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	require.NoError(t, q.Close())
}

func TestQueue_ReadAndRemoveCommitsContiguousOffsets(t *testing.T) {
	ctx := context.Background()
	offsets := newFakeOffsets()
	q, _, consumer := newTestQueue(t, offsets)

	pc := consumer.ExpectConsumePartition(testTopic, 0, sarama.OffsetOldest)
	pc.YieldMessage(&sarama.ConsumerMessage{
		Offset:  0,
		Value:   []byte("first"),
		Headers: []*sarama.RecordHeader{{Key: []byte("type"), Value: []byte("item")}},
	})
	pc.YieldMessage(&sarama.ConsumerMessage{Offset: 1, Value: []byte("second")})

	first, err := q.ReadMessageBody(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), first.Body)
	assert.Equal(t, "0:0", first.Receipt)
	assert.Equal(t, "item", first.Attributes["type"])

	second, err := q.ReadMessageBody(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0:1", second.ID)

	_, err = q.ReadMessageBody(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty)

	// Removing the newer message first must not commit past the older one.
	require.NoError(t, q.RemoveMessage(ctx, second.Receipt))
	assert.Equal(t, 0, offsets.commits)

	require.NoError(t, q.RemoveMessage(ctx, first.Receipt))
	assert.Equal(t, 1, offsets.commits)
	assert.Equal(t, int64(2), offsets.committed[0])

	assert.ErrorIs(t, q.RemoveMessage(ctx, first.Receipt), queue.ErrUnknownReceipt)
	assert.ErrorIs(t, q.RemoveMessage(ctx, "garbage"), queue.ErrUnknownReceipt)

	require.NoError(t, q.Close())
	assert.True(t, offsets.closed)
}

func TestQueue_ResumesFromCommittedOffset(t *testing.T) {
	offsets := newFakeOffsets()
	offsets.committed[0] = 7
	q, _, consumer := newTestQueue(t, offsets)

	consumer.ExpectConsumePartition(testTopic, 0, 7).
		YieldMessage(&sarama.ConsumerMessage{Offset: 7, Value: []byte("resumed")})

	msg, err := q.ReadMessageBody(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("resumed"), msg.Body)

	require.NoError(t, q.Close())
}

func TestQueue_ReadAfterClose(t *testing.T) {
	q, _, _ := newTestQueue(t, newFakeOffsets())
	require.NoError(t, q.Close())

	_, err := q.ReadMessageBody(context.Background())
	assert.ErrorIs(t, err, queue.ErrClosed)
}
