// Package engine coordinates a crawl: it pulls start requests, admits
// requests through the scheduler, dispatches them to the downloader while
// capacity allows, hands results to the scraper and decides when the crawl
// is finished.
//
// All crawl state is owned by the goroutine running Run. Other goroutines
// talk to it through Crawl and Close, and through the downloader results
// channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/downloader"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
	"github.com/JakeFAU/crawlcore/internal/scraper"
	"github.com/JakeFAU/crawlcore/internal/signals"
)

// Close reasons set by the engine itself.
const (
	ReasonFinished = "finished"
	ReasonShutdown = "shutdown"
)

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = errors.New("engine already started")

// Option customizes an Engine.
type Option func(*Engine)

// WithSpiderChain sets the spider hook chain. The default chain is empty.
func WithSpiderChain(chain *middleware.SpiderChain) Option {
	return func(e *Engine) { e.chain = chain }
}

// WithItemSink sets where scraped items go.
func WithItemSink(sink crawler.ItemSink) Option {
	return func(e *Engine) { e.sink = sink }
}

type startOutput struct {
	out crawler.Output
	err error
}

// Engine runs one crawl. Build it with New and drive it with Run.
type Engine struct {
	cc         *crawlctx.Context
	logger     *zap.Logger
	spider     crawler.Spider
	scheduler  *scheduler.Scheduler
	downloader *downloader.Downloader
	scraper    *scraper.Scraper
	chain      *middleware.SpiderChain
	sink       crawler.ItemSink

	state         atomic.Int32
	backpressured atomic.Bool
	started       atomic.Bool
	done          chan struct{}

	// Inbox shared with other goroutines.
	mu          sync.Mutex
	inbox       []*crawler.Request
	closeReason string
	idleRecheck bool
	wake        chan struct{}

	// Loop-owned.
	workCtx     context.Context
	cancelWork  context.CancelFunc
	startCh     chan startOutput
	startDone   bool
	idleVetoed  bool
	forced      bool
	outstanding int
	reason      string
	startedAt   time.Time
	stopStart   context.CancelFunc
	startWG     sync.WaitGroup
}

// New wires an engine around its collaborators.
func New(
	cc *crawlctx.Context,
	spider crawler.Spider,
	sched *scheduler.Scheduler,
	dl *downloader.Downloader,
	opts ...Option,
) (*Engine, error) {
	if spider == nil || sched == nil || dl == nil {
		return nil, errors.New("engine needs a spider, a scheduler and a downloader")
	}
	e := &Engine{
		cc:         cc,
		logger:     cc.Logger.Named("engine"),
		spider:     spider,
		scheduler:  sched,
		downloader: dl,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.chain == nil {
		chain, err := middleware.NewSpiderChain()
		if err != nil {
			return nil, fmt.Errorf("build empty spider chain: %w", err)
		}
		e.chain = chain
	}
	e.scraper = scraper.New(cc, spider, e.chain, e.sink, scraper.Hooks{
		Crawl: func(_ context.Context, req *crawler.Request) { e.Crawl(req) },
		Close: e.Close,
		Done:  e.notify,
	})
	return e, nil
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Backpressured reports whether the last dispatch stopped for lack of
// downloader or scraper capacity.
func (e *Engine) Backpressured() bool {
	return e.backpressured.Load()
}

// Done is closed once the crawl has fully shut down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Crawl schedules req. It is safe to call from any goroutine, including
// spider callbacks and signal handlers.
func (e *Engine) Crawl(req *crawler.Request) {
	if req == nil {
		return
	}
	e.mu.Lock()
	e.inbox = append(e.inbox, req)
	e.mu.Unlock()
	e.notify()
}

// Close asks the engine to finish gracefully with reason. The first reason
// wins.
func (e *Engine) Close(reason string) {
	e.mu.Lock()
	if e.closeReason == "" {
		e.closeReason = reason
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run opens the crawl and drives it until it closes. Cancelling ctx forces
// the shutdown: in-flight downloads are aborted and the scheduler is
// abandoned without a flush.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(e.done)
	e.workCtx, e.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	defer e.cancelWork()

	if err := e.open(ctx); err != nil {
		e.state.Store(int32(StateClosed))
		e.downloader.Abort()
		return err
	}
	return e.loop(ctx)
}

func (e *Engine) open(ctx context.Context) error {
	e.state.Store(int32(StateOpening))
	e.startedAt = e.cc.Clock.Now()
	e.cc.Stats.Set("start_time", e.startedAt)

	if err := e.scheduler.Open(ctx); err != nil {
		return fmt.Errorf("open scheduler: %w", err)
	}
	if err := e.loadState(); err != nil {
		_ = e.scheduler.Abandon()
		return err
	}
	e.cc.Signals.Send(ctx, signals.Event{Signal: signals.CrawlOpened})
	e.logger.Info("spider opened",
		zap.String("spider", e.spider.Name()),
		zap.Bool("persistent", e.scheduler.Persistent()),
		zap.Int("resumed", e.scheduler.Len()))

	startCtx, stop := context.WithCancel(e.workCtx)
	e.stopStart = stop
	e.startCh = make(chan startOutput)
	e.startWG.Add(1)
	go e.pullStart(startCtx)

	e.state.Store(int32(StateRunning))
	return nil
}

func (e *Engine) loadState() error {
	stateful, ok := e.spider.(crawler.StatefulSpider)
	if !ok {
		return nil
	}
	state := map[string]any{}
	if dir := e.scheduler.JobDir(); dir != nil {
		loaded, err := dir.LoadState()
		if err != nil {
			return fmt.Errorf("load spider state: %w", err)
		}
		state = loaded
	}
	stateful.SetState(state)
	return nil
}

func (e *Engine) saveState() error {
	stateful, ok := e.spider.(crawler.StatefulSpider)
	if !ok {
		return nil
	}
	dir := e.scheduler.JobDir()
	if dir == nil {
		return nil
	}
	if err := dir.SaveState(stateful.State()); err != nil {
		return fmt.Errorf("save spider state: %w", err)
	}
	return nil
}

// pullStart feeds the start stream to the loop one output at a time; the
// loop only receives while it has capacity.
func (e *Engine) pullStart(ctx context.Context) {
	defer e.startWG.Done()
	defer close(e.startCh)
	for out, err := range e.chain.StartRequests(ctx, e.spider.StartRequests(ctx)) {
		select {
		case e.startCh <- startOutput{out: out, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) loop(ctx context.Context) error {
	forceCh := ctx.Done()
	for {
		e.drainInbox()
		if e.State() == StateClosing && e.drained() {
			return e.finish()
		}
		if e.State() == StateRunning {
			e.dispatch()
			if e.checkIdle() {
				e.beginClose(ReasonFinished)
				continue
			}
		}

		var startCh <-chan startOutput
		if e.State() == StateRunning && !e.startDone && !e.needsBackout() {
			startCh = e.startCh
		}
		select {
		case <-e.wake:
		case res := <-e.downloader.Results():
			e.handleResult(res)
		case so, ok := <-startCh:
			if !ok {
				e.startDone = true
				e.logger.Debug("start requests exhausted")
				continue
			}
			e.handleStart(so)
		case <-forceCh:
			forceCh = nil
			e.forceClose()
		}
	}
}

func (e *Engine) drainInbox() {
	e.mu.Lock()
	reqs := e.inbox
	e.inbox = nil
	reason := e.closeReason
	recheck := e.idleRecheck
	e.idleRecheck = false
	e.mu.Unlock()

	if recheck {
		e.idleVetoed = false
	}
	for _, req := range reqs {
		e.schedule(req)
	}
	if reason != "" && e.State() == StateRunning {
		e.beginClose(reason)
	}
}

// schedule offers req to request_scheduled handlers and then the
// scheduler. Requests arriving while closing are still queued so that a
// job directory keeps them.
func (e *Engine) schedule(req *crawler.Request) {
	if e.State() == StateClosed {
		e.logger.Warn("request after close dropped", zap.String("url", req.URL))
		return
	}
	errs := e.cc.Signals.Send(e.workCtx, signals.Event{Signal: signals.RequestScheduled, Request: req})
	if signals.Vetoed(errs, crawler.ErrIgnoreRequest) {
		e.cc.Stats.Inc("scheduler/vetoed", 1)
		e.dropped(req, "vetoed")
		return
	}
	if !e.scheduler.Enqueue(req) {
		e.dropped(req, "duplicate")
	}
}

func (e *Engine) dropped(req *crawler.Request, reason string) {
	e.cc.Signals.Send(e.workCtx, signals.Event{Signal: signals.RequestDropped, Request: req, Reason: reason})
}

func (e *Engine) needsBackout() bool {
	return e.downloader.NeedsBackout() || e.scraper.NeedsBackout()
}

func (e *Engine) dispatch() {
	for e.scheduler.HasPending() {
		if e.needsBackout() {
			e.backpressured.Store(true)
			return
		}
		req, err := e.scheduler.Dequeue()
		if err != nil {
			e.cc.Stats.Inc("scheduler/dequeue_errors", 1)
			e.logger.Error("dequeue failed", zap.Error(err))
			// The queue has moved past the bad entry; let the loop breathe
			// before the next attempt.
			e.notify()
			return
		}
		if req == nil {
			break
		}
		if err := e.downloader.Fetch(e.workCtx, req); err != nil {
			e.logger.Warn("downloader refused request", zap.String("url", req.URL), zap.Error(err))
			return
		}
		e.outstanding++
	}
	e.backpressured.Store(false)
}

func (e *Engine) handleStart(so startOutput) {
	switch {
	case so.err != nil:
		if cs, ok := crawler.AsCloseSpider(so.err); ok {
			e.beginClose(cs.Reason)
			return
		}
		e.cc.Stats.Inc("spider_exceptions/count", 1)
		e.logger.Error("error in start requests", zap.Error(so.err))
		e.cc.Signals.Send(e.workCtx, signals.Event{Signal: signals.SpiderError, Err: so.err})
	case so.out.IsRequest():
		e.cc.Stats.Inc("start_requests/count", 1)
		e.schedule(so.out.Request)
	case so.out.Item != nil:
		e.scraper.EnqueueItem(e.workCtx, so.out.Item)
	}
}

func (e *Engine) handleResult(res downloader.Result) {
	e.outstanding--
	if e.forced {
		return
	}
	out := res.Outcome
	switch out.Kind {
	case middleware.OutcomeResponse:
		e.cc.Signals.Send(e.workCtx, signals.Event{Signal: signals.ResponseReceived, Request: res.Request, Response: out.Response})
		e.logger.Debug("crawled",
			zap.Int("status", out.Response.Status),
			zap.String("url", out.Response.URL),
			zap.Strings("flags", out.Response.Flags))
		e.scraper.EnqueueResponse(e.workCtx, out.Response)
	case middleware.OutcomeReschedule:
		e.schedule(out.Request)
	case middleware.OutcomeIgnoreWithErrback, middleware.OutcomeFailure:
		if e.requeueClosed(res.Request, out.Err) {
			return
		}
		e.scraper.EnqueueFailure(e.workCtx, asFailure(res.Request, out.Err))
	case middleware.OutcomeCloseSpider:
		cs, _ := crawler.AsCloseSpider(out.Err)
		e.beginClose(cs.Reason)
	case middleware.OutcomeIgnoreSilently:
		e.cc.Stats.Inc("downloader/ignored", 1)
		e.dropped(res.Request, "ignored")
	}
}

// requeueClosed returns requests the closing downloader never sent to a
// persistent scheduler so that a resumed crawl still fetches them.
func (e *Engine) requeueClosed(req *crawler.Request, err error) bool {
	if !errors.Is(err, crawler.ErrDownloaderClosed) || !e.scheduler.Persistent() {
		return false
	}
	again := req.Replace(func(r *crawler.Request) { r.DontFilter = true })
	if e.scheduler.Enqueue(again) {
		e.cc.Stats.Inc("scheduler/requeued_on_close", 1)
	}
	return true
}

func asFailure(req *crawler.Request, err error) *crawler.Failure {
	var f *crawler.Failure
	if errors.As(err, &f) && f.Request != nil {
		return f
	}
	return &crawler.Failure{Request: req, Err: err}
}

// checkIdle reports whether the crawl should finish. spider_idle handlers
// returning signals.ErrDontClose postpone the check by the idle interval.
func (e *Engine) checkIdle() bool {
	if !e.idle() {
		e.idleVetoed = false
		return false
	}
	if e.idleVetoed {
		return false
	}
	errs := e.cc.Signals.Send(e.workCtx, signals.Event{Signal: signals.SpiderIdle})
	e.drainInbox()
	if !e.idle() {
		// A handler scheduled more work.
		return false
	}
	if !signals.Vetoed(errs, signals.ErrDontClose) {
		return true
	}
	e.idleVetoed = true
	e.cc.Clock.AfterFunc(e.cc.Settings.Crawler.IdleCheckInterval, func() {
		e.mu.Lock()
		e.idleRecheck = true
		e.mu.Unlock()
		e.notify()
	})
	return false
}

func (e *Engine) idle() bool {
	e.mu.Lock()
	pendingInbox := len(e.inbox) > 0
	e.mu.Unlock()
	return e.startDone &&
		!pendingInbox &&
		!e.scheduler.HasPending() &&
		e.outstanding == 0 &&
		e.scraper.Active() == 0
}

func (e *Engine) beginClose(reason string) {
	if e.State() != StateRunning {
		return
	}
	e.reason = reason
	e.state.Store(int32(StateClosing))
	e.logger.Info("closing spider", zap.String("reason", reason))
	e.stopStart()
	e.downloader.Close()
}

// forceClose aborts whatever is in progress. Results still arriving are
// discarded.
func (e *Engine) forceClose() {
	e.logger.Warn("forcing shutdown")
	if e.State() == StateRunning {
		e.beginClose(ReasonShutdown)
	}
	e.forced = true
	e.downloader.Abort()
	e.cancelWork()
}

func (e *Engine) drained() bool {
	e.mu.Lock()
	pendingInbox := len(e.inbox) > 0
	e.mu.Unlock()
	return !pendingInbox && e.outstanding == 0 && e.scraper.Active() == 0
}

func (e *Engine) finish() error {
	e.startWG.Wait()
	e.downloader.Wait()
	e.scraper.Wait()
	// Anything yielded by the last scraper goroutines.
	e.drainInbox()

	var errs []error
	if e.forced {
		if err := e.scheduler.Abandon(); err != nil {
			errs = append(errs, err)
		}
	} else {
		if err := e.scheduler.Close(e.reason); err != nil {
			errs = append(errs, err)
		}
		if err := e.saveState(); err != nil {
			errs = append(errs, err)
		}
	}

	now := e.cc.Clock.Now()
	e.cc.Stats.Set("finish_time", now)
	e.cc.Stats.Set("finish_reason", e.reason)
	e.cc.Stats.Set("elapsed_time_seconds", now.Sub(e.startedAt).Seconds())
	e.state.Store(int32(StateClosed))
	e.cc.Signals.Send(context.WithoutCancel(e.workCtx), signals.Event{Signal: signals.SpiderClosed, Reason: e.reason})
	e.cc.Stats.Dump(e.logger)
	e.logger.Info("spider closed", zap.String("reason", e.reason), zap.Bool("forced", e.forced))
	return errors.Join(errs...)
}
