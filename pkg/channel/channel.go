// Package channel provides the typed queue and task primitives that connect
// the streaming pipeline stages.
//
// A [Chan] is an unbounded, ordered, closable queue with a single consumer.
// Send never blocks and there is no backpressure. Close is idempotent and
// never loses queued items: a consumer that starts draining after Close still
// receives everything sent before it, followed by [ErrClosed].
//
// A [Task] runs one stage loop in its own goroutine and offers the
// cancel-and-wait shutdown used by every stream in the pipeline.
package channel

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// ErrClosed is returned by [Chan.Send] after the channel was closed, and by
// [Chan.Recv] once a closed channel has been fully drained.
var ErrClosed = errors.New("channel: closed")

// Chan is an unbounded FIFO queue connecting a producer stage to a single
// consumer stage. The zero value is not usable; create instances with [New].
//
// Send, Close and Abort are safe for concurrent use. Recv must only be called
// from one goroutine at a time.
type Chan[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	// notify has capacity one and wakes a waiting consumer after Send.
	notify chan struct{}
	// done is closed exactly once by Close or Abort.
	done chan struct{}
}

// New returns an open, empty [Chan].
func New[T any]() *Chan[T] {
	return &Chan[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send appends v to the queue. It never blocks. Returns [ErrClosed] if the
// channel has already been closed; the item is not enqueued in that case.
func (c *Chan[T]) Send(v T) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.items = append(c.items, v)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the channel as closed. Items already queued remain consumable.
// Calling Close more than once is safe.
func (c *Chan[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// Abort closes the channel and discards every queued item. It returns the
// number of discarded items. After Abort, Recv returns [ErrClosed]
// immediately.
func (c *Chan[T]) Abort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	clear(c.items)
	c.items = nil
	c.closeLocked()
	return n
}

func (c *Chan[T]) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Recv returns the oldest queued item. While the channel is open and empty it
// blocks until an item arrives, the channel is closed, or ctx is done.
// Once the channel is closed and drained it returns [ErrClosed].
func (c *Chan[T]) Recv(ctx context.Context) (T, error) {
	for {
		if v, ok, closed := c.pop(); ok {
			return v, nil
		} else if closed {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryRecv returns the oldest queued item without blocking. ok is false when
// the queue is empty.
func (c *Chan[T]) TryRecv() (v T, ok bool) {
	v, ok, _ = c.pop()
	return v, ok
}

func (c *Chan[T]) pop() (v T, ok, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) == 0 {
		return v, false, c.closed
	}
	v = c.items[0]
	var zero T
	c.items[0] = zero
	c.items = c.items[1:]
	if len(c.items) == 0 {
		// Release the backing array between bursts.
		c.items = nil
	}
	return v, true, c.closed
}

// Len reports the number of queued items.
func (c *Chan[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Closed reports whether Close or Abort has been called.
func (c *Chan[T]) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// All returns an iterator over the items in send order. Iteration ends when
// the channel is closed and drained or ctx is done.
func (c *Chan[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := c.Recv(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}
