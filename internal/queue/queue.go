// Package queue provides the two-level pending-request structure used by
// the scheduler: an outer ordering by numeric priority and an optional
// inner partition by downloader slot.
//
// The leaf queues are pluggable (see the memory and disk subpackages), so
// the same structure serves both the volatile and the durable tier.
package queue

import "errors"

var (
	// ErrSkipped wraps a Pop error after which the leaf has already moved
	// past the unreadable entry.
	ErrSkipped = errors.New("queue entry skipped")
	// ErrQuarantined wraps a Pop error that caused the leaf to be closed
	// and taken out of service.
	ErrQuarantined = errors.New("queue leaf quarantined")
)

// Queue is a leaf FIFO or LIFO store.
type Queue[T any] interface {
	Push(v T) error
	// Pop returns ok=false when the queue is empty.
	Pop() (v T, ok bool, err error)
	Len() int
	Close() error
}

// Factory opens the leaf queue holding entries of one priority.
type Factory[T any] func(priority int) (Queue[T], error)

// SlotStats reports how many downloads are in flight for a slot.
type SlotStats interface {
	InFlight(slot string) int
}
