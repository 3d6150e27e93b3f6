package signals

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func TestSendOrderAndVeto(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(zap.NewNop())
	var order []int
	d.Connect(SpiderIdle, func(context.Context, Event) error {
		order = append(order, 1)
		return nil
	})
	d.Connect(SpiderIdle, func(context.Context, Event) error {
		order = append(order, 2)
		return ErrDontClose
	})

	errs := d.Send(context.Background(), Event{Signal: SpiderIdle})
	assert.Equal(t, []int{1, 2}, order)
	assert.True(t, Vetoed(errs, ErrDontClose))
	assert.False(t, Vetoed(errs, crawler.ErrIgnoreRequest))
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(nil)
	calls := 0
	disconnect := d.Connect(ItemScraped, func(context.Context, Event) error {
		calls++
		return nil
	})
	d.Send(context.Background(), Event{Signal: ItemScraped})
	disconnect()
	d.Send(context.Background(), Event{Signal: ItemScraped})
	assert.Equal(t, 1, calls)
}

func TestHandlerPanicRecovered(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(zap.NewNop())
	reached := false
	d.Connect(ResponseReceived, func(context.Context, Event) error { panic("boom") })
	d.Connect(ResponseReceived, func(context.Context, Event) error {
		reached = true
		return nil
	})

	errs := d.Send(context.Background(), Event{Signal: ResponseReceived})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "panic")
	assert.True(t, reached)
}

func TestSendPayload(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(zap.NewNop())
	req := crawler.NewRequest("http://a.test/")
	var got Event
	d.Connect(RequestDropped, func(_ context.Context, evt Event) error {
		got = evt
		return errors.New("ignored by sender")
	})
	errs := d.Send(context.Background(), Event{Signal: RequestDropped, Request: req, Reason: "duplicate"})
	require.Len(t, errs, 1)
	assert.Same(t, req, got.Request)
	assert.Equal(t, "duplicate", got.Reason)
}
