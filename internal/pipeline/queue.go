package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push after Close, and by Pop once a closed
// queue is empty.
var ErrQueueClosed = errors.New("queue closed")

// DropQueue is a bounded FIFO queue. Push never blocks: when the queue is
// full the oldest item is removed to make room.
type DropQueue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool
	notify   chan struct{}
	onDrop   func(T)
}

// NewDropQueue creates a queue holding at most capacity items. onDrop, if not
// nil, is called with each evicted item before the new item becomes visible
// to Pop.
func NewDropQueue[T any](capacity int, onDrop func(T)) *DropQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &DropQueue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		onDrop:   onDrop,
	}
}

// Push appends item. If that overflowed the queue, the evicted oldest item is
// returned with ok set.
func (q *DropQueue[T]) Push(item T) (dropped T, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return dropped, false, ErrQueueClosed
	}
	if len(q.items) == q.capacity {
		dropped, ok = q.items[0], true
		q.items = q.items[1:]
		if q.onDrop != nil {
			q.onDrop(dropped)
		}
	}
	q.items = append(q.items, item)
	q.signal()
	return dropped, ok, nil
}

// Pop removes and returns the oldest item, waiting until one is available,
// the queue is closed and empty, or ctx is done.
func (q *DropQueue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *DropQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Queued items can still be popped.
func (q *DropQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// signal wakes one waiting Pop. Callers hold q.mu.
func (q *DropQueue[T]) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
