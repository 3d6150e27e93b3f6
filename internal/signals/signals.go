// Package signals dispatches crawl lifecycle notifications to registered
// handlers. Handlers run synchronously on the sender's goroutine, in the
// order they were connected, and may veto default behavior by returning a
// sentinel error (see ErrDontClose and crawler.ErrIgnoreRequest).
package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Signal names a lifecycle notification.
type Signal string

// Supported signals.
const (
	CrawlOpened              Signal = "crawl_opened"
	RequestScheduled         Signal = "request_scheduled"
	RequestDropped           Signal = "request_dropped"
	RequestReachedDownloader Signal = "request_reached_downloader"
	ResponseReceived         Signal = "response_received"
	ItemScraped              Signal = "item_scraped"
	ItemDropped              Signal = "item_dropped"
	ItemError                Signal = "item_error"
	SpiderError              Signal = "spider_error"
	SpiderIdle               Signal = "spider_idle"
	SpiderClosed             Signal = "spider_closed"
)

// ErrDontClose, returned by a spider_idle handler, keeps the crawl running.
var ErrDontClose = errors.New("dont close spider")

// Event is the payload delivered to handlers. Only the fields relevant to
// the signal are set.
type Event struct {
	Signal   Signal
	Request  *crawler.Request
	Response *crawler.Response
	Item     crawler.Item
	Err      error
	Reason   string
}

// Handler reacts to an event.
type Handler func(ctx context.Context, evt Event) error

type registration struct {
	id int
	fn Handler
}

// Dispatcher routes events to handlers. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Signal][]registration
	nextID   int
	logger   *zap.Logger
}

// NewDispatcher builds an empty Dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[Signal][]registration),
		logger:   logger,
	}
}

// Connect registers fn for sig and returns a function that removes it.
func (d *Dispatcher) Connect(sig Signal, fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[sig] = append(d.handlers[sig], registration{id: id, fn: fn})
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		regs := d.handlers[sig]
		for i, r := range regs {
			if r.id == id {
				d.handlers[sig] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// Send delivers evt to every handler of evt.Signal and returns the errors
// they reported. A panicking handler is logged and reported as an error.
func (d *Dispatcher) Send(ctx context.Context, evt Event) []error {
	d.mu.RLock()
	regs := append([]registration(nil), d.handlers[evt.Signal]...)
	d.mu.RUnlock()

	var errs []error
	for _, r := range regs {
		if err := d.call(ctx, r.fn, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (d *Dispatcher) call(ctx context.Context, fn Handler, evt Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("signal handler panicked", zap.String("signal", string(evt.Signal)), zap.Any("panic", rec))
			err = fmt.Errorf("signal %s handler panic: %v", evt.Signal, rec)
		}
	}()
	return fn(ctx, evt)
}

// Vetoed reports whether any of errs matches target.
func Vetoed(errs []error, target error) bool {
	for _, err := range errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
