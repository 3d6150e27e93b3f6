// Package downloader runs requests through the downloader hook chain and
// the network transport while enforcing global and per-slot concurrency
// limits and per-slot download delays.
//
// Each request moves Queued -> Active -> Completed|Failed. Fetch returns
// immediately; the outcome arrives later on Results.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/clock"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/signals"
)

const (
	slotGCInterval = 60 * time.Second
	slotIdleTTL    = 60 * time.Second
)

// Result is the outcome of one Fetch.
type Result struct {
	Request *crawler.Request
	Outcome middleware.Outcome
}

type fetchResult struct {
	resp *crawler.Response
	err  error
}

type pending struct {
	req  *crawler.Request
	ctx  context.Context
	done chan fetchResult
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithResolver replaces the DNS resolver used for per-IP slots.
func WithResolver(r Resolver) Option {
	return func(d *Downloader) { d.resolver = r }
}

// WithChain sets the downloader hook chain. The default chain is empty.
func WithChain(c *middleware.DownloaderChain) Option {
	return func(d *Downloader) { d.chain = c }
}

// Downloader is safe for concurrent use.
type Downloader struct {
	cc        *crawlctx.Context
	logger    *zap.Logger
	clock     clock.Clock
	transport crawler.Transport
	chain     *middleware.DownloaderChain
	resolver  Resolver

	total     int
	perSlot   int
	ipMode    bool
	delay     time.Duration
	randomize bool
	timeout   time.Duration

	abortCtx context.Context
	abort    context.CancelFunc
	results  chan Result
	wg       sync.WaitGroup

	mu           sync.Mutex
	slots        map[string]*slot
	// aliases maps a queue key (hostname) to the IP slot it resolved to.
	aliases      map[string]string
	active       int
	transferring int
	closed       bool
	gcTimer      clock.Timer
}

// New builds a Downloader sending through transport.
func New(cc *crawlctx.Context, transport crawler.Transport, opts ...Option) (*Downloader, error) {
	cfg := cc.Settings.Crawler
	if transport == nil {
		return nil, errors.New("downloader transport is required")
	}
	d := &Downloader{
		cc:        cc,
		logger:    cc.Logger.Named("downloader"),
		clock:     cc.Clock,
		transport: transport,
		resolver:  newCachingResolver(),
		total:     cfg.ConcurrentRequests,
		perSlot:   cfg.ConcurrentRequestsPerDomain,
		ipMode:    cfg.ConcurrentRequestsPerIP > 0,
		delay:     cfg.DownloadDelay,
		randomize: cfg.RandomizeDownloadDelay,
		timeout:   cfg.DownloadTimeout,
		results:   make(chan Result, 2*cfg.ConcurrentRequests),
		slots:     make(map[string]*slot),
		aliases:   make(map[string]string),
	}
	if d.ipMode {
		d.perSlot = cfg.ConcurrentRequestsPerIP
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.chain == nil {
		chain, err := middleware.NewDownloaderChain()
		if err != nil {
			return nil, fmt.Errorf("build empty downloader chain: %w", err)
		}
		d.chain = chain
	}
	d.abortCtx, d.abort = context.WithCancel(context.Background())
	d.gcTimer = d.clock.AfterFunc(slotGCInterval, d.collectSlots)
	return d, nil
}

// Results delivers one Result per accepted Fetch.
func (d *Downloader) Results() <-chan Result {
	return d.results
}

// Fetch starts downloading req and returns immediately. It fails only when
// the downloader is closed.
func (d *Downloader) Fetch(ctx context.Context, req *crawler.Request) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return crawler.ErrDownloaderClosed
	}
	d.active++
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcome := d.chain.Execute(ctx, req, d.enqueue)
		d.mu.Lock()
		d.active--
		d.mu.Unlock()
		d.results <- Result{Request: req, Outcome: outcome}
	}()
	return nil
}

// NeedsBackout reports whether the global concurrency limit is reached.
func (d *Downloader) NeedsBackout() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active >= d.total
}

// Active returns the number of fetches that have not produced a Result.
func (d *Downloader) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Transferring returns the number of requests currently on the network.
func (d *Downloader) Transferring() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transferring
}

// InFlight reports the requests accepted for key, which is either a slot
// key or a QueueKey. It satisfies queue.SlotStats and never blocks on DNS.
func (d *Downloader) InFlight(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.slots[key]; ok {
		return s.active
	}
	if s, ok := d.slots[d.aliases[key]]; ok {
		return s.active
	}
	return 0
}

// QueueKey returns the scheduler partition for req: meta download_slot,
// else the host. Unlike SlotKey it never resolves names, so it is safe on
// the engine loop.
func (d *Downloader) QueueKey(req *crawler.Request) string {
	if key := req.MetaString(crawler.MetaDownloadSlot); key != "" {
		return key
	}
	return req.Host()
}

// SlotKey returns the slot req is downloaded in: meta download_slot, else
// the host, or its IP address when per-IP limits are configured. It may
// block on a DNS lookup.
func (d *Downloader) SlotKey(req *crawler.Request) string {
	if key := req.MetaString(crawler.MetaDownloadSlot); key != "" {
		return key
	}
	host := req.Host()
	if !d.ipMode || host == "" {
		return host
	}
	ip, err := d.resolver.Resolve(d.abortCtx, host)
	if err != nil {
		d.logger.Debug("slot resolution failed, using hostname", zap.String("host", host), zap.Error(err))
		return host
	}
	return ip
}

// enqueue is the innermost step of the hook chain: it waits for slot
// capacity and performs the transfer.
func (d *Downloader) enqueue(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	key := d.SlotKey(req)
	p := &pending{req: req, ctx: ctx, done: make(chan fetchResult, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, crawler.ErrDownloaderClosed
	}
	if qk := d.QueueKey(req); qk != key {
		d.aliases[qk] = key
	}
	s := d.slot(key)
	s.queue = append(s.queue, p)
	s.active++
	d.process(s)
	d.mu.Unlock()

	d.cc.Signals.Send(ctx, signals.Event{Signal: signals.RequestReachedDownloader, Request: req})

	select {
	case r := <-p.done:
		return r.resp, r.err
	case <-ctx.Done():
		d.mu.Lock()
		removed := s.remove(p)
		d.mu.Unlock()
		if removed {
			return nil, fmt.Errorf("download canceled: %w", ctx.Err())
		}
		r := <-p.done
		return r.resp, r.err
	}
}

func (d *Downloader) slot(key string) *slot {
	if s, ok := d.slots[key]; ok {
		return s
	}
	s := &slot{
		key:         key,
		concurrency: d.perSlot,
		delay:       d.delay,
		randomize:   d.randomize,
	}
	d.slots[key] = s
	return s
}

// process dispatches queued requests of s while limits allow. Callers hold
// d.mu.
func (d *Downloader) process(s *slot) {
	if s.timer != nil || d.closed {
		return
	}
	now := d.clock.Now()
	for len(s.queue) > 0 && s.transferring < s.concurrency && d.transferring < d.total {
		if s.delay > 0 {
			if wait := s.nextAllowed.Sub(now); wait > 0 {
				s.timer = d.clock.AfterFunc(wait, func() {
					d.mu.Lock()
					defer d.mu.Unlock()
					s.timer = nil
					d.process(s)
				})
				return
			}
			s.nextAllowed = now.Add(s.downloadDelay())
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.transferring++
		d.transferring++
		d.wg.Add(1)
		go d.transfer(s, p)
	}
}

func (d *Downloader) transfer(s *slot, p *pending) {
	defer d.wg.Done()
	resp, err := d.send(p)

	d.mu.Lock()
	s.transferring--
	s.active--
	d.transferring--
	s.lastSeen = d.clock.Now()
	// A global slot was freed, so any slot may now proceed.
	for _, other := range d.slots {
		if len(other.queue) > 0 {
			d.process(other)
		}
	}
	d.mu.Unlock()

	p.done <- fetchResult{resp: resp, err: err}
}

func (d *Downloader) send(p *pending) (*crawler.Response, error) {
	timeout := d.timeout
	if v, ok := p.req.MetaDuration(crawler.MetaDownloadTimeout); ok && v > 0 {
		timeout = v
	}
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(d.abortCtx, cancel)
	defer stop()

	resp, err := d.transport.Send(ctx, p.req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, crawler.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s took longer than %s", crawler.ErrTimeout, p.req.URL, timeout)
		}
		if d.abortCtx.Err() != nil && !errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("download aborted: %w: %w", context.Canceled, err)
		}
		return nil, err
	}
	if resp.Request == nil {
		resp.Request = p.req
	}
	return resp, nil
}

// collectSlots drops slots idle for longer than slotIdleTTL.
func (d *Downloader) collectSlots() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	cutoff := d.clock.Now().Add(-slotIdleTTL)
	for key, s := range d.slots {
		if s.free() && !s.lastSeen.After(cutoff) {
			delete(d.slots, key)
		}
	}
	for alias, key := range d.aliases {
		if _, ok := d.slots[key]; !ok {
			delete(d.aliases, alias)
		}
	}
	d.gcTimer = d.clock.AfterFunc(slotGCInterval, d.collectSlots)
}

// Slots returns the number of tracked slots.
func (d *Downloader) Slots() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.slots)
}

// Close stops accepting work and fails every queued request with
// crawler.ErrDownloaderClosed. Transfers already on the network finish.
func (d *Downloader) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.gcTimer != nil {
		d.gcTimer.Stop()
	}
	failed := 0
	for _, s := range d.slots {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		for _, p := range s.queue {
			p.done <- fetchResult{err: crawler.ErrDownloaderClosed}
			failed++
		}
		s.active -= len(s.queue)
		s.queue = nil
	}
	if failed > 0 {
		d.logger.Info("cancelled queued downloads", zap.Int("count", failed))
	}
}

// Abort closes the downloader and cancels transfers in flight.
func (d *Downloader) Abort() {
	d.Close()
	d.abort()
}

// Wait blocks until every accepted fetch has delivered its Result. The
// caller must keep draining Results.
func (d *Downloader) Wait() {
	d.wg.Wait()
}
