package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after))
}

func TestSystemAfterFunc(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	New().AfterFunc(time.Millisecond, func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFake(start)
	var order []int
	clk.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	clk.AfterFunc(time.Second, func() { order = append(order, 1) })
	clk.AfterFunc(5*time.Second, func() { order = append(order, 5) })

	clk.Advance(3 * time.Second)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, clk.Pending())
	assert.Equal(t, start.Add(3*time.Second), clk.Now())

	clk.Advance(2 * time.Second)
	assert.Equal(t, []int{1, 2, 5}, order)
	assert.Zero(t, clk.Pending())
}

func TestFakeStop(t *testing.T) {
	t.Parallel()

	clk := NewFake(time.Unix(0, 0))
	var fired atomic.Bool
	timer := clk.AfterFunc(time.Second, func() { fired.Store(true) })
	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	clk.Advance(time.Minute)
	assert.False(t, fired.Load())
}

func TestFakeTimerScheduledFromCallback(t *testing.T) {
	t.Parallel()

	clk := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			clk.AfterFunc(0, tick)
		}
	}
	clk.AfterFunc(0, tick)
	clk.Advance(0)
	assert.Equal(t, 3, count)
}
