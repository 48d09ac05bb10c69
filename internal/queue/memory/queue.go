// Package memory provides the bounded in-memory queue that feeds pool workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
// queue is closed and empty.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO queue with context-aware operations.
type Queue[T any] struct {
	ch        chan T
	quit      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue with the provided capacity. A capacity of zero
// makes Enqueue wait for a consumer.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		quit: make(chan struct{}),
	}
}

// Enqueue pushes item into the queue, waiting for room until ctx ends or the
// queue is closed.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.quit:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.quit:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item. Items already queued when Close is called are
// still handed out before ErrClosed is returned.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.quit:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops accepting items. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.quit)
	})
}
