// Package memory provides bounded in-process queues used between pipeline
// stages.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed queue once it is empty.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO with context-aware operations. Enqueue blocks while
// the queue is full; it never drops items.
type Queue[T any] struct {
	ch      chan T
	done    chan struct{}
	drainMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity (minimum 1).
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes an item, blocking while the queue is full.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, blocking until one is available. Items queued
// before Close are still returned; ErrClosed follows once the queue is empty.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Poll waits up to timeout for an item. ok is false when the timeout elapsed
// with nothing to return.
func (q *Queue[T]) Poll(ctx context.Context, timeout time.Duration) (item T, ok bool, err error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	item, err = q.Dequeue(pollCtx)
	switch {
	case err == nil:
		return item, true, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return item, false, nil
	default:
		return item, false, err
	}
}

// DrainAll removes and returns everything queued at the time of the call.
// Concurrent drains never interleave.
func (q *Queue[T]) DrainAll() []T {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	n := len(q.ch)
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		select {
		case item := <-q.ch:
			out = append(out, item)
		default:
			return out
		}
	}
	return out
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap reports the fixed capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Full reports whether the queue holds Cap items.
func (q *Queue[T]) Full() bool {
	return len(q.ch) == cap(q.ch)
}

// Close stops accepting new items. It is safe to call more than once.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}
