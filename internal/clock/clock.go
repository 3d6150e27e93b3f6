// Package clock abstracts wall time and timers so download delays and idle
// checks can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Clock provides the current time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// System implements Clock using the time package.
type System struct{}

// New creates a System clock.
func New() System {
	return System{}
}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc wraps time.AfterFunc.
func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually advanced Clock. Callbacks scheduled with AfterFunc run
// synchronously inside Advance once their deadline is reached.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake creates a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run when the fake time reaches now+d. A
// non-positive d fires on the next Advance call.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{clock: f, at: f.now.Add(d), fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// Advance moves the clock forward and fires every due timer in deadline
// order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	f.mu.Unlock()

	for {
		t := f.popDue(now)
		if t == nil {
			return
		}
		t.fn()
	}
}

func (f *Fake) popDue(now time.Time) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := -1
	for i, t := range f.timers {
		if t.at.After(now) {
			continue
		}
		if idx < 0 || t.at.Before(f.timers[idx].at) {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	t := f.timers[idx]
	f.timers = append(f.timers[:idx], f.timers[idx+1:]...)
	return t
}

func (f *Fake) remove(target *fakeTimer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.timers {
		if t == target {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	fn    func()
}

func (t *fakeTimer) Stop() bool {
	return t.clock.remove(t)
}
