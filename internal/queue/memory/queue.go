// Package memory provides volatile FIFO and LIFO queues.
package memory

import (
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded in-memory queue. FIFO unless built with NewLIFO.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	lifo   bool
	closed bool
}

// NewFIFO builds a first-in first-out queue.
func NewFIFO[T any]() *Queue[T] {
	return &Queue[T]{}
}

// NewLIFO builds a last-in first-out queue.
func NewLIFO[T any]() *Queue[T] {
	return &Queue[T]{lifo: true}
}

// Push appends v.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, v)
	return nil
}

// Pop removes the next value. ok is false when the queue is empty.
func (q *Queue[T]) Pop() (T, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.closed {
		return zero, false, ErrClosed
	}
	if q.head >= len(q.items) {
		return zero, false, nil
	}
	var v T
	if q.lifo {
		last := len(q.items) - 1
		v = q.items[last]
		q.items[last] = zero
		q.items = q.items[:last]
	} else {
		v = q.items[q.head]
		q.items[q.head] = zero
		q.head++
	}
	q.compact()
	return v, true, nil
}

// compact releases the popped prefix once it dominates the backing array.
func (q *Queue[T]) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Drain removes and returns every queued value in pop order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.items)-q.head)
	if q.lifo {
		for i := len(q.items) - 1; i >= q.head; i-- {
			out = append(out, q.items[i])
		}
	} else {
		out = append(out, q.items[q.head:]...)
	}
	q.items = nil
	q.head = 0
	return out
}

// Close discards the queue. Calling it more than once is safe.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.head = 0
	return nil
}
