// Package scraper feeds downloaded responses and failures to spider
// callbacks and routes what they yield: requests back to the engine, items
// to the item sink.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/signals"
)

// minResponseSize is the least a unit of work counts against the active
// size cap, so that empty bodies and failures still apply backpressure.
const minResponseSize = 1024

// Hooks connect the scraper to its owner. Each is called from scraper
// goroutines.
type Hooks struct {
	// Crawl receives requests yielded by callbacks and errbacks.
	Crawl func(ctx context.Context, req *crawler.Request)
	// Close asks to stop the crawl.
	Close func(reason string)
	// Done fires after a response or failure is fully consumed.
	Done func()
}

// Scraper is safe for concurrent use.
type Scraper struct {
	cc     *crawlctx.Context
	logger *zap.Logger
	spider crawler.Spider
	chain  *middleware.SpiderChain
	sink   crawler.ItemSink
	hooks  Hooks

	maxActive int64

	mu         sync.Mutex
	active     int
	activeSize int64
	wg         sync.WaitGroup
}

// New builds a Scraper. A nil sink accepts every item unchanged.
func New(cc *crawlctx.Context, spider crawler.Spider, chain *middleware.SpiderChain, sink crawler.ItemSink, hooks Hooks) *Scraper {
	if hooks.Crawl == nil {
		hooks.Crawl = func(context.Context, *crawler.Request) {}
	}
	if hooks.Close == nil {
		hooks.Close = func(string) {}
	}
	if hooks.Done == nil {
		hooks.Done = func() {}
	}
	return &Scraper{
		cc:        cc,
		logger:    cc.Logger.Named("scraper"),
		spider:    spider,
		chain:     chain,
		sink:      sink,
		hooks:     hooks,
		maxActive: cc.Settings.Crawler.ScraperSlotMaxActiveSize,
	}
}

// NeedsBackout reports whether the bytes under processing exceed the cap.
func (s *Scraper) NeedsBackout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive > 0 && s.activeSize > s.maxActive
}

// Active returns the number of responses and failures being consumed.
func (s *Scraper) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ActiveSize returns the accounted bytes under processing.
func (s *Scraper) ActiveSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeSize
}

// Wait blocks until every enqueued response and failure is consumed.
func (s *Scraper) Wait() {
	s.wg.Wait()
}

// EnqueueResponse starts consuming resp.
func (s *Scraper) EnqueueResponse(ctx context.Context, resp *crawler.Response) {
	s.start(max(int64(len(resp.Body)), minResponseSize), func() {
		s.handleResponse(ctx, resp)
	})
}

// EnqueueFailure routes a failed download to its errback.
func (s *Scraper) EnqueueFailure(ctx context.Context, failure *crawler.Failure) {
	s.start(minResponseSize, func() {
		s.handleFailure(ctx, failure)
	})
}

// EnqueueItem sends an item that did not come from a response, such as one
// yielded by the start requests, to the item sink.
func (s *Scraper) EnqueueItem(ctx context.Context, item crawler.Item) {
	s.start(0, func() {
		s.processItem(ctx, nil, item)
	})
}

func (s *Scraper) start(size int64, work func()) {
	s.mu.Lock()
	s.active++
	s.activeSize += size
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.active--
			s.activeSize -= size
			s.mu.Unlock()
			s.hooks.Done()
		}()
		work()
	}()
}

func (s *Scraper) handleResponse(ctx context.Context, resp *crawler.Response) {
	callback, err := crawler.ResolveCallback(s.spider, resp.Request)
	if err != nil {
		s.spiderError(ctx, resp, err)
		return
	}
	s.consume(ctx, resp, s.chain.Scrape(ctx, resp, callback))
}

func (s *Scraper) handleFailure(ctx context.Context, failure *crawler.Failure) {
	errback, err := crawler.ResolveErrback(s.spider, failure.Request)
	if err != nil {
		s.spiderError(ctx, nil, err)
		return
	}
	if errback == nil {
		s.logFailure(failure)
		return
	}
	s.consume(ctx, &crawler.Response{Request: failure.Request}, s.chain.Recover(ctx, failure, errback))
}

func (s *Scraper) logFailure(failure *crawler.Failure) {
	fields := []zap.Field{zap.String("url", failure.Request.URL), zap.Error(failure.Err)}
	switch {
	case errors.Is(failure.Err, crawler.ErrIgnoreRequest):
		s.logger.Debug("ignored request", fields...)
	case errors.Is(failure.Err, context.Canceled), errors.Is(failure.Err, crawler.ErrDownloaderClosed):
		s.logger.Debug("download abandoned", fields...)
	default:
		s.logger.Error("error downloading", fields...)
	}
}

func (s *Scraper) consume(ctx context.Context, resp *crawler.Response, results crawler.Results) {
	for out, err := range results {
		if err != nil {
			if cs, ok := crawler.AsCloseSpider(err); ok {
				s.hooks.Close(cs.Reason)
				continue
			}
			s.spiderError(ctx, resp, err)
			continue
		}
		if out.IsRequest() {
			s.hooks.Crawl(ctx, out.Request)
			continue
		}
		if out.Item == nil {
			continue
		}
		if cs, ok := out.Item.(*crawler.CloseSpider); ok {
			s.hooks.Close(cs.Reason)
			continue
		}
		s.processItem(ctx, resp, out.Item)
	}
}

func (s *Scraper) processItem(ctx context.Context, resp *crawler.Response, item crawler.Item) {
	stats := s.cc.Stats
	if s.sink == nil {
		stats.Inc("item_scraped_count", 1)
		s.cc.Signals.Send(ctx, signals.Event{Signal: signals.ItemScraped, Item: item, Response: resp})
		return
	}
	accepted, err := s.sink.Accept(ctx, item)
	var drop *crawler.DropItem
	switch {
	case err == nil:
		stats.Inc("item_scraped_count", 1)
		s.cc.Signals.Send(ctx, signals.Event{Signal: signals.ItemScraped, Item: accepted, Response: resp})
	case errors.As(err, &drop):
		stats.Inc("item_dropped_count", 1)
		stats.Inc("item_dropped_reasons_count/"+drop.Reason, 1)
		s.logger.Warn("dropped item", zap.String("reason", drop.Reason), zap.Any("item", item))
		s.cc.Signals.Send(ctx, signals.Event{Signal: signals.ItemDropped, Item: item, Response: resp, Err: err, Reason: drop.Reason})
	default:
		stats.Inc("item_error_count", 1)
		s.logger.Error("error processing item", zap.Any("item", item), zap.Error(err))
		s.cc.Signals.Send(ctx, signals.Event{Signal: signals.ItemError, Item: item, Response: resp, Err: err})
	}
}

func (s *Scraper) spiderError(ctx context.Context, resp *crawler.Response, err error) {
	s.cc.Stats.Inc("spider_exceptions/count", 1)
	s.cc.Stats.Inc("spider_exceptions/"+strings.TrimPrefix(fmt.Sprintf("%T", unwrapAll(err)), "*"), 1)
	fields := []zap.Field{zap.Error(err)}
	if resp != nil && resp.Request != nil {
		fields = append(fields, zap.String("url", resp.Request.URL))
	}
	s.logger.Error("spider error processing response", fields...)
	s.cc.Signals.Send(ctx, signals.Event{Signal: signals.SpiderError, Response: resp, Err: err})
}

func unwrapAll(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
