package batch

import (
	"slices"
	"sync"
)

// fifo is a mutex-guarded queue drained in whole batches. Every enqueue
// signals wake so a loop blocked on an empty queue can resume immediately.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{wake: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.signal()
}

// pushFront places items ahead of everything queued, preserving their order.
func (q *fifo[T]) pushFront(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(slices.Clone(items), q.items...)
	q.mu.Unlock()
	q.signal()
}

// drain atomically removes and returns everything currently queued.
func (q *fifo[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.items
	q.items = nil
	return batch
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifo[T]) snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

func (q *fifo[T]) reset(items []T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = slices.Clone(items)
}

func (q *fifo[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
