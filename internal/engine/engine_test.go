package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/clock"
	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/crawlctx/crawlctxtest"
	"github.com/JakeFAU/crawlcore/internal/downloader"
	"github.com/JakeFAU/crawlcore/internal/jobdir"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
	"github.com/JakeFAU/crawlcore/internal/signals"
)

type testSpider struct {
	start func(ctx context.Context) crawler.Results
	parse func(ctx context.Context, resp *crawler.Response) crawler.Results
}

func (s *testSpider) Name() string { return "test" }

func (s *testSpider) StartRequests(ctx context.Context) crawler.Results {
	if s.start == nil {
		return crawler.Empty()
	}
	return s.start(ctx)
}

func (s *testSpider) Parse(ctx context.Context, resp *crawler.Response) crawler.Results {
	if s.parse == nil {
		return crawler.Items(resp.URL)
	}
	return s.parse(ctx, resp)
}

func startURLs(urls ...string) func(context.Context) crawler.Results {
	return func(context.Context) crawler.Results {
		reqs := make([]*crawler.Request, 0, len(urls))
		for _, u := range urls {
			reqs = append(reqs, crawler.NewRequest(u))
		}
		return crawler.Requests(reqs...)
	}
}

// fetchLog is a transport that answers every request and records its URL.
type fetchLog struct {
	mu   sync.Mutex
	urls []string
	gate chan struct{}
}

func (f *fetchLog) Send(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	f.mu.Lock()
	f.urls = append(f.urls, req.URL)
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &crawler.Response{URL: req.URL, Status: 200, Body: []byte("<html></html>")}, nil
}

func (f *fetchLog) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type setup struct {
	tune    func(*config.Settings)
	ccOpts  []crawlctx.Option
	dlOpts  []downloader.Option
	engOpts []Option
}

func build(t *testing.T, sp crawler.Spider, tr crawler.Transport, s setup) (*Engine, *crawlctx.Context) {
	t.Helper()
	cc := crawlctxtest.New(t, func(cfg *config.Settings) {
		cfg.Crawler.RandomizeDownloadDelay = false
		if s.tune != nil {
			s.tune(cfg)
		}
	}, s.ccOpts...)
	dl, err := downloader.New(cc, tr, s.dlOpts...)
	require.NoError(t, err)
	sched := scheduler.New(cc, scheduler.WithSlots(dl, dl.QueueKey))
	eng, err := New(cc, sp, sched, dl, s.engOpts...)
	require.NoError(t, err)
	return eng, cc
}

func run(ctx context.Context, eng *Engine) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- eng.Run(ctx) }()
	return errc
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop")
		return nil
	}
}

type signalLog struct {
	mu     sync.Mutex
	events []signals.Event
}

func (l *signalLog) listen(cc *crawlctx.Context, sigs ...signals.Signal) {
	for _, sig := range sigs {
		cc.Signals.Connect(sig, func(_ context.Context, evt signals.Event) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.events = append(l.events, evt)
			return nil
		})
	}
}

func (l *signalLog) count(sig signals.Signal) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Signal == sig {
			n++
		}
	}
	return n
}

func (l *signalLog) signals() []signals.Signal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]signals.Signal, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Signal)
	}
	return out
}

func TestCrawlFinishes(t *testing.T) {
	t.Parallel()

	tr := &fetchLog{}
	sp := &testSpider{
		start: startURLs("http://a.test/", "http://b.test/", "http://a.test/"),
		parse: func(_ context.Context, resp *crawler.Response) crawler.Results {
			if strings.HasSuffix(resp.URL, "/next") {
				return crawler.Items(resp.URL)
			}
			return crawler.Yield(
				crawler.Output{Item: resp.URL},
				crawler.Output{Request: crawler.NewRequest(resp.URL + "next")},
			)
		},
	}
	eng, cc := build(t, sp, tr, setup{})
	log := &signalLog{}
	log.listen(cc, signals.CrawlOpened, signals.RequestDropped, signals.ItemScraped, signals.SpiderIdle, signals.SpiderClosed)

	require.NoError(t, wait(t, run(context.Background(), eng)))

	assert.Equal(t, StateClosed, eng.State())
	assert.ElementsMatch(t, []string{"http://a.test/", "http://b.test/", "http://a.test/next", "http://b.test/next"}, tr.fetched())
	assert.Equal(t, 4, log.count(signals.ItemScraped))
	assert.Equal(t, 1, log.count(signals.RequestDropped))
	sigs := log.signals()
	assert.Equal(t, signals.CrawlOpened, sigs[0])
	assert.Equal(t, signals.SpiderClosed, sigs[len(sigs)-1])
	reason, _ := cc.Stats.Get("finish_reason")
	assert.Equal(t, ReasonFinished, reason)
	assert.Equal(t, int64(3), cc.Stats.Int("start_requests/count"))

	select {
	case <-eng.Done():
	default:
		t.Fatal("Done not closed")
	}
	require.ErrorIs(t, eng.Run(context.Background()), ErrAlreadyStarted)
}

func TestStartRequestsBackpressure(t *testing.T) {
	t.Parallel()

	tr := &fetchLog{gate: make(chan struct{})}
	var pulled atomic.Int32
	sp := &testSpider{
		start: func(ctx context.Context) crawler.Results {
			return func(yield func(crawler.Output, error) bool) {
				for i := 0; ; i++ {
					if ctx.Err() != nil {
						return
					}
					pulled.Add(1)
					req := crawler.NewRequest("http://a.test/" + string(rune('a'+i%26)) + "/" + strings.Repeat("x", i))
					if !yield(crawler.Output{Request: req}, nil) {
						return
					}
				}
			}
		},
	}
	eng, _ := build(t, sp, tr, setup{tune: func(cfg *config.Settings) {
		cfg.Crawler.ConcurrentRequests = 2
	}})
	errc := run(context.Background(), eng)

	require.Eventually(t, func() bool { return len(tr.fetched()) == 2 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, pulled.Load(), int32(4))
	assert.Len(t, tr.fetched(), 2)

	eng.Close("stop")
	close(tr.gate)
	require.NoError(t, wait(t, errc))
}

func TestIdleVetoKeepsRunning(t *testing.T) {
	t.Parallel()

	tr := &fetchLog{}
	fake := clock.NewFake(time.Unix(0, 0))
	eng, cc := build(t, &testSpider{start: startURLs("http://a.test/")}, tr, setup{
		ccOpts: []crawlctx.Option{crawlctx.WithClock(fake)},
		tune: func(cfg *config.Settings) {
			cfg.Crawler.IdleCheckInterval = 5 * time.Second
		},
	})

	var idles atomic.Int32
	vetoed := make(chan struct{}, 1)
	cc.Signals.Connect(signals.SpiderIdle, func(context.Context, signals.Event) error {
		switch idles.Add(1) {
		case 1:
			eng.Crawl(crawler.NewRequest("http://a.test/extra"))
			return signals.ErrDontClose
		case 2:
			vetoed <- struct{}{}
			return signals.ErrDontClose
		default:
			return nil
		}
	})
	errc := run(context.Background(), eng)

	select {
	case <-vetoed:
	case <-time.After(5 * time.Second):
		t.Fatal("second idle never sent")
	}
	assert.Equal(t, StateRunning, eng.State())
	assert.Equal(t, []string{"http://a.test/", "http://a.test/extra"}, tr.fetched())

	// Only the idle timer can trigger the third check. The other pending
	// timer is the downloader's slot collector.
	require.Eventually(t, func() bool { return fake.Pending() == 2 }, 5*time.Second, 5*time.Millisecond)
	fake.Advance(5 * time.Second)
	require.NoError(t, wait(t, errc))
	assert.Equal(t, int32(3), idles.Load())
}

func TestScheduledVeto(t *testing.T) {
	t.Parallel()

	tr := &fetchLog{}
	eng, cc := build(t, &testSpider{start: startURLs("http://a.test/keep", "http://a.test/skip")}, tr, setup{})
	log := &signalLog{}
	log.listen(cc, signals.RequestDropped)
	cc.Signals.Connect(signals.RequestScheduled, func(_ context.Context, evt signals.Event) error {
		if strings.HasSuffix(evt.Request.URL, "skip") {
			return crawler.ErrIgnoreRequest
		}
		return nil
	})

	require.NoError(t, wait(t, run(context.Background(), eng)))
	assert.Equal(t, []string{"http://a.test/keep"}, tr.fetched())
	assert.Equal(t, 1, log.count(signals.RequestDropped))
	assert.Equal(t, int64(1), cc.Stats.Int("scheduler/vetoed"))
}

func TestCloseSpiderFromCallback(t *testing.T) {
	t.Parallel()

	tr := &fetchLog{}
	sp := &testSpider{
		start: startURLs("http://a.test/"),
		parse: func(context.Context, *crawler.Response) crawler.Results {
			return crawler.Fail(&crawler.CloseSpider{Reason: "quota"})
		},
	}
	eng, cc := build(t, sp, tr, setup{})
	require.NoError(t, wait(t, run(context.Background(), eng)))
	reason, _ := cc.Stats.Get("finish_reason")
	assert.Equal(t, "quota", reason)
}

// quotaHook lets the first request through and closes the crawl on the next.
type quotaHook struct{ seen atomic.Int32 }

func (q *quotaHook) ProcessRequest(context.Context, *crawler.Request) (middleware.Action, error) {
	if q.seen.Add(1) > 1 {
		return middleware.Action{}, &crawler.CloseSpider{Reason: "quota"}
	}
	return middleware.Continue(), nil
}

func TestCloseSpiderFromDownloader(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		hooks []any
		tr    func(*fetchLog) crawler.Transport
	}{
		{
			name:  "request hook",
			hooks: []any{&quotaHook{}},
			tr:    func(f *fetchLog) crawler.Transport { return f },
		},
		{
			name: "transport",
			tr: func(f *fetchLog) crawler.Transport {
				var sent atomic.Int32
				return crawler.TransportFunc(func(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
					if sent.Add(1) > 1 {
						return nil, &crawler.CloseSpider{Reason: "quota"}
					}
					return f.Send(ctx, req)
				})
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			chain, err := middleware.NewDownloaderChain(tc.hooks...)
			require.NoError(t, err)
			tr := &fetchLog{}
			sp := &testSpider{start: startURLs("http://a.test/1", "http://a.test/2", "http://a.test/3")}
			eng, cc := build(t, sp, tc.tr(tr), setup{
				tune:   func(cfg *config.Settings) { cfg.Crawler.ConcurrentRequests = 1 },
				dlOpts: []downloader.Option{downloader.WithChain(chain)},
			})

			require.NoError(t, wait(t, run(context.Background(), eng)))
			reason, _ := cc.Stats.Get("finish_reason")
			assert.Equal(t, "quota", reason)
			assert.Len(t, tr.fetched(), 1)
		})
	}
}

// redirector reschedules /old as /new inside the downloader chain.
type redirector struct{}

func (redirector) ProcessRequest(_ context.Context, req *crawler.Request) (middleware.Action, error) {
	if strings.HasSuffix(req.URL, "/old") {
		return middleware.WithRequest(crawler.NewRequest(strings.TrimSuffix(req.URL, "old") + "new")), nil
	}
	if strings.HasSuffix(req.URL, "/blocked") {
		return middleware.Ignore(), nil
	}
	return middleware.Continue(), nil
}

func TestOutcomeRouting(t *testing.T) {
	t.Parallel()

	chain, err := middleware.NewDownloaderChain(redirector{})
	require.NoError(t, err)
	tr := &fetchLog{}
	var failures atomic.Int32
	sp := &errbackSpider{testSpider: testSpider{start: startURLs("http://a.test/old", "http://a.test/blocked")}}
	sp.extra = crawler.NewRequest("http://a.test/fails", crawler.WithErrback("onError"))
	sp.onError = func(context.Context, *crawler.Failure) crawler.Results {
		failures.Add(1)
		return crawler.Empty()
	}
	failing := crawler.TransportFunc(func(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
		if strings.HasSuffix(req.URL, "/fails") {
			return nil, crawler.ErrConnection
		}
		return tr.Send(ctx, req)
	})
	eng, cc := build(t, sp, failing, setup{dlOpts: []downloader.Option{downloader.WithChain(chain)}})
	log := &signalLog{}
	log.listen(cc, signals.RequestDropped)

	require.NoError(t, wait(t, run(context.Background(), eng)))
	assert.Equal(t, []string{"http://a.test/new"}, tr.fetched())
	assert.Equal(t, 1, log.count(signals.RequestDropped))
	assert.Equal(t, int32(1), failures.Load())
}

type errbackSpider struct {
	testSpider
	extra   *crawler.Request
	onError crawler.ErrbackFunc
}

func (s *errbackSpider) StartRequests(ctx context.Context) crawler.Results {
	return func(yield func(crawler.Output, error) bool) {
		for out, err := range s.testSpider.StartRequests(ctx) {
			if !yield(out, err) {
				return
			}
		}
		yield(crawler.Output{Request: s.extra}, nil)
	}
}

func (s *errbackSpider) Callback(string) (crawler.CallbackFunc, bool) { return nil, false }

func (s *errbackSpider) Errback(name string) (crawler.ErrbackFunc, bool) {
	return s.onError, name == "onError"
}

func TestForcedShutdown(t *testing.T) {
	t.Parallel()

	tr := &fetchLog{gate: make(chan struct{})}
	eng, cc := build(t, &testSpider{start: startURLs("http://a.test/", "http://b.test/")}, tr, setup{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := run(ctx, eng)
	require.Eventually(t, func() bool { return len(tr.fetched()) == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, wait(t, errc))
	reason, _ := cc.Stats.Get("finish_reason")
	assert.Equal(t, ReasonShutdown, reason)
	assert.Equal(t, int64(0), cc.Stats.Int("item_scraped_count"))
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()

	jobDir := t.TempDir()
	tune := func(cfg *config.Settings) {
		cfg.Scheduler.JobDir = jobDir
	}
	newSpider := func() *testSpider {
		return &testSpider{
			start: startURLs("http://a.test/1"),
			parse: func(_ context.Context, resp *crawler.Response) crawler.Results {
				if !strings.HasSuffix(resp.URL, "/1") {
					return crawler.Empty()
				}
				return crawler.Requests(
					crawler.NewRequest("http://a.test/2"),
					crawler.NewRequest("http://a.test/3"),
					crawler.NewRequest("http://a.test/4"),
				)
			},
		}
	}

	first := &fetchLog{gate: make(chan struct{})}
	eng, _ := build(t, newSpider(), first, setup{tune: tune})
	errc := run(context.Background(), eng)
	require.Eventually(t, func() bool { return len(first.fetched()) == 1 }, 5*time.Second, 5*time.Millisecond)
	// The follow-ups are yielded while closing and must land in the job dir.
	eng.Close("pause")
	close(first.gate)
	require.NoError(t, wait(t, errc))
	assert.Equal(t, []string{"http://a.test/1"}, first.fetched())

	second := &fetchLog{}
	eng2, cc2 := build(t, newSpider(), second, setup{tune: tune})
	require.NoError(t, wait(t, run(context.Background(), eng2)))

	assert.ElementsMatch(t, []string{"http://a.test/2", "http://a.test/3", "http://a.test/4"}, second.fetched())
	assert.Equal(t, int64(1), cc2.Stats.Int("dupefilter/filtered"))
}

func TestCorruptJobDirRecordDoesNotStall(t *testing.T) {
	t.Parallel()

	jobDir := t.TempDir()
	tune := func(cfg *config.Settings) { cfg.Scheduler.JobDir = jobDir }
	prep := scheduler.New(crawlctxtest.New(t, tune))
	require.NoError(t, prep.Open(context.Background()))
	require.True(t, prep.Enqueue(crawler.NewRequest("http://a.test/A")))
	require.True(t, prep.Enqueue(crawler.NewRequest("http://a.test/B")))
	require.NoError(t, prep.Close("shutdown"))

	chunks, err := filepath.Glob(filepath.Join(jobDir, jobdir.QueueDirName, "*", "0", "q00000"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	f, err := os.OpenFile(chunks[0], os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, 12)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tr := &fetchLog{}
	eng, cc := build(t, &testSpider{}, tr, setup{tune: tune})
	require.NoError(t, wait(t, run(context.Background(), eng)))

	assert.Equal(t, []string{"http://a.test/B"}, tr.fetched())
	assert.Equal(t, int64(1), cc.Stats.Int("scheduler/dequeue_errors"))
	reason, _ := cc.Stats.Get("finish_reason")
	assert.Equal(t, ReasonFinished, reason)
}
