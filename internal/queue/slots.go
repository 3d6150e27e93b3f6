package queue

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// SlotFactory builds the priority queue of one slot, reopening the
// priorities listed in start.
type SlotFactory[T any] func(slot string, start []int) (*PriorityQueue[T], error)

// SlotQueue partitions entries by downloader slot. Pop serves the
// non-empty slot with the fewest downloads in flight, rotating between
// slots that tie; within a slot, priority order applies.
// It is not safe for concurrent use.
type SlotQueue[T any] struct {
	factory SlotFactory[T]
	stats   SlotStats
	slots   map[string]*PriorityQueue[T]
	order   []string
	next    int
}

// NewSlotQueue builds a SlotQueue. start is the {slot: priorities} map
// recorded by a previous Close; stats may be nil, in which case slots are
// served round-robin.
func NewSlotQueue[T any](factory SlotFactory[T], stats SlotStats, start map[string][]int) (*SlotQueue[T], error) {
	sq := &SlotQueue[T]{
		factory: factory,
		stats:   stats,
		slots:   make(map[string]*PriorityQueue[T]),
	}
	for _, slot := range slices.Sorted(maps.Keys(start)) {
		if _, err := sq.slot(slot, start[slot]); err != nil {
			return nil, err
		}
	}
	return sq, nil
}

func (sq *SlotQueue[T]) slot(key string, start []int) (*PriorityQueue[T], error) {
	if pq, ok := sq.slots[key]; ok {
		return pq, nil
	}
	pq, err := sq.factory(key, start)
	if err != nil {
		return nil, fmt.Errorf("open slot %q: %w", key, err)
	}
	sq.slots[key] = pq
	sq.order = append(sq.order, key)
	return pq, nil
}

// Push adds v to slot at priority.
func (sq *SlotQueue[T]) Push(v T, slot string, priority int) error {
	pq, err := sq.slot(slot, nil)
	if err != nil {
		return err
	}
	return pq.Push(v, priority)
}

// Pop removes the next entry according to the slot fairness policy.
func (sq *SlotQueue[T]) Pop() (T, bool, error) {
	var zero T
	for {
		idx := sq.pick()
		if idx < 0 {
			return zero, false, nil
		}
		key := sq.order[idx]
		pq := sq.slots[key]
		v, ok, err := pq.Pop()
		sq.next = idx + 1
		if err != nil {
			err = fmt.Errorf("pop slot %q: %w", key, err)
			if pq.Len() == 0 {
				if cerr := sq.discard(idx); cerr != nil {
					err = errors.Join(err, cerr)
				}
			}
			return zero, false, err
		}
		if pq.Len() == 0 {
			if cerr := sq.discard(idx); cerr != nil && ok {
				return v, true, cerr
			}
		}
		if ok {
			return v, true, nil
		}
	}
}

// pick returns the index in order of the slot to serve next, or -1.
func (sq *SlotQueue[T]) pick() int {
	n := len(sq.order)
	if n == 0 {
		return -1
	}
	best, bestLoad := -1, 0
	for i := range n {
		idx := (sq.next + i) % n
		if sq.slots[sq.order[idx]].Len() == 0 {
			continue
		}
		load := 0
		if sq.stats != nil {
			load = sq.stats.InFlight(sq.order[idx])
		}
		if best < 0 || load < bestLoad {
			best, bestLoad = idx, load
		}
	}
	if best < 0 {
		// Only empty slots left (e.g. reopened with stale metadata).
		for len(sq.order) > 0 {
			_ = sq.discard(0)
		}
	}
	return best
}

func (sq *SlotQueue[T]) discard(idx int) error {
	key := sq.order[idx]
	pq := sq.slots[key]
	delete(sq.slots, key)
	sq.order = slices.Delete(sq.order, idx, idx+1)
	if sq.next > idx {
		sq.next--
	}
	if len(sq.order) > 0 {
		sq.next %= len(sq.order)
	} else {
		sq.next = 0
	}
	if _, err := pq.Close(); err != nil {
		return fmt.Errorf("close drained slot %q: %w", key, err)
	}
	return nil
}

// Len returns the number of entries across all slots.
func (sq *SlotQueue[T]) Len() int {
	n := 0
	for _, pq := range sq.slots {
		n += pq.Len()
	}
	return n
}

// Active returns {slot: priorities} for every slot holding entries.
func (sq *SlotQueue[T]) Active() map[string][]int {
	out := make(map[string][]int)
	for key, pq := range sq.slots {
		if prios := pq.Priorities(); len(prios) > 0 {
			out[key] = prios
		}
	}
	return out
}

// Close closes every slot and returns the metadata needed to reopen.
func (sq *SlotQueue[T]) Close() (map[string][]int, error) {
	out := make(map[string][]int)
	var errs []error
	for _, key := range sq.order {
		prios, err := sq.slots[key].Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close slot %q: %w", key, err))
		}
		if len(prios) > 0 {
			out[key] = prios
		}
	}
	sq.slots = map[string]*PriorityQueue[T]{}
	sq.order = nil
	sq.next = 0
	return out, errors.Join(errs...)
}

// Abandon releases every slot without persisting bookkeeping.
func (sq *SlotQueue[T]) Abandon() error {
	var errs []error
	for _, key := range sq.order {
		if err := sq.slots[key].Abandon(); err != nil {
			errs = append(errs, fmt.Errorf("abandon slot %q: %w", key, err))
		}
	}
	sq.slots = map[string]*PriorityQueue[T]{}
	sq.order = nil
	sq.next = 0
	return errors.Join(errs...)
}
