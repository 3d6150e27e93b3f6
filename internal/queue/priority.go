package queue

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// PriorityQueue pops entries with the highest priority first. Entries of
// equal priority leave in the order of their leaf queue (FIFO or LIFO).
// It is not safe for concurrent use.
type PriorityQueue[T any] struct {
	factory Factory[T]
	queues  map[int]Queue[T]
	// prios holds the priorities of open leaves, highest first.
	prios []int
}

// NewPriorityQueue builds a PriorityQueue, reopening leaves for the
// priorities listed in start (as recorded by a previous Close).
func NewPriorityQueue[T any](factory Factory[T], start []int) (*PriorityQueue[T], error) {
	pq := &PriorityQueue[T]{
		factory: factory,
		queues:  make(map[int]Queue[T]),
	}
	for _, p := range start {
		if _, err := pq.leaf(p); err != nil {
			return nil, err
		}
	}
	return pq, nil
}

func (pq *PriorityQueue[T]) leaf(priority int) (Queue[T], error) {
	if q, ok := pq.queues[priority]; ok {
		return q, nil
	}
	q, err := pq.factory(priority)
	if err != nil {
		return nil, fmt.Errorf("open priority %d: %w", priority, err)
	}
	pq.queues[priority] = q
	i, _ := slices.BinarySearchFunc(pq.prios, priority, func(a, b int) int { return cmp.Compare(b, a) })
	pq.prios = slices.Insert(pq.prios, i, priority)
	return q, nil
}

// Push adds v at priority.
func (pq *PriorityQueue[T]) Push(v T, priority int) error {
	q, err := pq.leaf(priority)
	if err != nil {
		return err
	}
	if err := q.Push(v); err != nil {
		return fmt.Errorf("push priority %d: %w", priority, err)
	}
	return nil
}

// Pop removes the next entry. Drained leaves are closed and forgotten.
//
// Every error leaves the queue closer to empty: either the leaf skipped
// the bad entry (ErrSkipped) or the leaf is closed and dropped
// (ErrQuarantined) so later pops serve the remaining priorities.
func (pq *PriorityQueue[T]) Pop() (T, bool, error) {
	var zero T
	for len(pq.prios) > 0 {
		p := pq.prios[0]
		q := pq.queues[p]
		v, ok, err := q.Pop()
		if err != nil {
			return zero, false, pq.failed(p, q, err)
		}
		if q.Len() == 0 {
			if cerr := pq.discard(p); cerr != nil && ok {
				return v, true, cerr
			}
		}
		if ok {
			return v, true, nil
		}
	}
	return zero, false, nil
}

func (pq *PriorityQueue[T]) failed(p int, q Queue[T], err error) error {
	if errors.Is(err, ErrSkipped) {
		if q.Len() == 0 {
			if cerr := pq.discard(p); cerr != nil {
				return errors.Join(fmt.Errorf("pop priority %d: %w", p, err), cerr)
			}
		}
		return fmt.Errorf("pop priority %d: %w", p, err)
	}
	qerr := fmt.Errorf("pop priority %d: %w: %w", p, ErrQuarantined, err)
	if cerr := pq.discard(p); cerr != nil {
		return errors.Join(qerr, cerr)
	}
	return qerr
}

func (pq *PriorityQueue[T]) discard(priority int) error {
	q := pq.queues[priority]
	delete(pq.queues, priority)
	pq.prios = slices.DeleteFunc(pq.prios, func(p int) bool { return p == priority })
	if err := q.Close(); err != nil {
		return fmt.Errorf("close drained priority %d: %w", priority, err)
	}
	return nil
}

// Len returns the number of entries across all priorities.
func (pq *PriorityQueue[T]) Len() int {
	n := 0
	for _, q := range pq.queues {
		n += q.Len()
	}
	return n
}

// Priorities lists the priorities that currently hold entries, highest first.
func (pq *PriorityQueue[T]) Priorities() []int {
	out := make([]int, 0, len(pq.prios))
	for _, p := range pq.prios {
		if pq.queues[p].Len() > 0 {
			out = append(out, p)
		}
	}
	return out
}

// Close closes every leaf and returns the priorities that still held
// entries, which is the metadata needed to reopen the queue.
func (pq *PriorityQueue[T]) Close() ([]int, error) {
	active := pq.Priorities()
	var errs []error
	for _, p := range pq.prios {
		if err := pq.queues[p].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close priority %d: %w", p, err))
		}
	}
	pq.queues = map[int]Queue[T]{}
	pq.prios = nil
	return active, errors.Join(errs...)
}

// Abandoner is implemented by leaves that can be released without
// persisting their bookkeeping.
type Abandoner interface {
	Abandon() error
}

// Abandon releases every leaf without a clean close where supported.
func (pq *PriorityQueue[T]) Abandon() error {
	var errs []error
	for _, p := range pq.prios {
		q := pq.queues[p]
		var err error
		if a, ok := q.(Abandoner); ok {
			err = a.Abandon()
		} else {
			err = q.Close()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("abandon priority %d: %w", p, err))
		}
	}
	pq.queues = map[int]Queue[T]{}
	pq.prios = nil
	return errors.Join(errs...)
}
