// Package memory provides an in-process queue.Queue with visibility timeouts,
// used by tests and single-process deployments.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/batchwalk/internal/queue"
)

var _ queue.Queue = (*Queue)(nil)

// DefaultVisibilityTimeout is how long a read message stays hidden before it
// is delivered again.
const DefaultVisibilityTimeout = 30 * time.Second

type message struct {
	id         string
	body       []byte
	attributes map[string]string
	enqueuedAt time.Time
	visibleAt  time.Time
	receipt    string
}

// Queue is a FIFO of messages. A read hides the message for the visibility
// timeout; if it is not removed by then it becomes readable again with a new
// receipt.
type Queue struct {
	mu                sync.Mutex
	messages          []*message
	visibilityTimeout time.Duration
	now               func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithVisibilityTimeout overrides DefaultVisibilityTimeout.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibilityTimeout = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		visibilityTimeout: DefaultVisibilityTimeout,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) SendMessage(ctx context.Context, body []byte, opts ...queue.SendOption) (string, error) {
	o := queue.ApplySendOptions(opts...)

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	m := &message{
		id:         uuid.NewString(),
		body:       append([]byte(nil), body...),
		attributes: maps.Clone(o.Attributes),
		enqueuedAt: now,
		visibleAt:  now.Add(o.Delay),
	}
	q.messages = append(q.messages, m)
	return m.id, nil
}

func (q *Queue) ReadMessageBody(ctx context.Context) (queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return queue.Message{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, m := range q.messages {
		if m.visibleAt.After(now) {
			continue
		}
		m.receipt = uuid.NewString()
		m.visibleAt = now.Add(q.visibilityTimeout)
		return queue.Message{
			ID:         m.id,
			Receipt:    m.receipt,
			Body:       append([]byte(nil), m.body...),
			Attributes: maps.Clone(m.attributes),
			EnqueuedAt: m.enqueuedAt,
		}, nil
	}
	return queue.Message{}, queue.ErrEmpty
}

func (q *Queue) RemoveMessage(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.receipt != "" && m.receipt == receipt {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return queue.ErrUnknownReceipt
}

// Len returns the number of messages not yet removed, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
