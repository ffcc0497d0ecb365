// Package queue defines the message queue used to hand processed items and
// job continuations to other workers.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty is returned by ReadMessageBody when no message is available.
	ErrEmpty = errors.New("queue is empty")

	// ErrUnknownReceipt is returned by RemoveMessage when the receipt does not
	// refer to a message currently held by the caller.
	ErrUnknownReceipt = errors.New("unknown receipt")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue is closed")
)

// Message is a received message. Receipt identifies this delivery and is what
// RemoveMessage expects; ID identifies the message itself.
type Message struct {
	ID         string
	Receipt    string
	Body       []byte
	Attributes map[string]string
	EnqueuedAt time.Time
}

// Queue is an at-least-once message queue. A message that is read but never
// removed is delivered again.
type Queue interface {
	// SendMessage enqueues body and returns the new message ID.
	SendMessage(ctx context.Context, body []byte, opts ...SendOption) (string, error)

	// ReadMessageBody returns the next available message or ErrEmpty.
	ReadMessageBody(ctx context.Context) (Message, error)

	// RemoveMessage acknowledges the delivery identified by receipt.
	RemoveMessage(ctx context.Context, receipt string) error
}

// SendOptions holds per-message settings.
type SendOptions struct {
	// Delay hides the message from readers for the given duration.
	Delay time.Duration
	// Key groups related messages. Brokers that partition use it to pick a
	// partition.
	Key        string
	Attributes map[string]string
}

// SendOption configures a single SendMessage call.
type SendOption func(*SendOptions)

// WithDelay hides the message from readers for d.
func WithDelay(d time.Duration) SendOption {
	return func(o *SendOptions) { o.Delay = d }
}

// WithKey sets the message key.
func WithKey(key string) SendOption {
	return func(o *SendOptions) { o.Key = key }
}

// WithAttribute attaches a string attribute to the message.
func WithAttribute(key, value string) SendOption {
	return func(o *SendOptions) {
		if o.Attributes == nil {
			o.Attributes = make(map[string]string)
		}
		o.Attributes[key] = value
	}
}

// ApplySendOptions folds opts into a SendOptions value.
func ApplySendOptions(opts ...SendOption) SendOptions {
	var o SendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
