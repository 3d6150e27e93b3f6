package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlcore/internal/api"
	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/downloader"
	"github.com/JakeFAU/crawlcore/internal/engine"
	"github.com/JakeFAU/crawlcore/internal/events"
	"github.com/JakeFAU/crawlcore/internal/events/sinks"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/middleware/blocklist"
	"github.com/JakeFAU/crawlcore/internal/middleware/depth"
	"github.com/JakeFAU/crawlcore/internal/middleware/downloadstats"
	"github.com/JakeFAU/crawlcore/internal/middleware/httpcache"
	"github.com/JakeFAU/crawlcore/internal/middleware/retry"
	"github.com/JakeFAU/crawlcore/internal/middleware/robots"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
	"github.com/JakeFAU/crawlcore/internal/sink"
	"github.com/JakeFAU/crawlcore/internal/spiders/follow"
	"github.com/JakeFAU/crawlcore/internal/transport"
	collytransport "github.com/JakeFAU/crawlcore/internal/transport/colly"
	"github.com/JakeFAU/crawlcore/internal/transport/httpx"
)

// crawlFlags override config values when set on the command line.
type crawlFlags struct {
	urls      []string
	domains   []string
	jobDir    string
	output    string
	transport string
	apiAddr   string
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl",
		Long: `Crawls from the configured start URLs, following links inside the
allowed domains. With --jobdir the crawl can be stopped with one interrupt
and resumed later by running the same command again. A second interrupt
aborts in-flight downloads without saving state.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&flags.urls, "url", nil, "start URL (repeatable)")
	f.StringSliceVar(&flags.domains, "allowed-domain", nil, "domain links may stay on (repeatable)")
	f.StringVar(&flags.jobDir, "jobdir", "", "directory for resumable crawl state")
	f.StringVar(&flags.output, "output", "", "JSON lines file for scraped items")
	f.StringVar(&flags.transport, "transport", "", "download transport: http or colly")
	f.StringVar(&flags.apiAddr, "api-addr", "", "serve the status API on this address")
	return cmd
}

// apply returns settings with the set flags layered on top.
func (f crawlFlags) apply(settings config.Settings) config.Settings {
	if len(f.urls) > 0 {
		settings.Crawler.StartURLs = f.urls
	}
	if len(f.domains) > 0 {
		settings.Crawler.AllowedDomains = f.domains
	}
	if f.jobDir != "" {
		settings.Scheduler.JobDir = f.jobDir
	}
	if f.output != "" {
		settings.Output.Path = f.output
	}
	if f.transport != "" {
		settings.Crawler.Transport = f.transport
	}
	if f.apiAddr != "" {
		settings.API.Enabled = true
		settings.API.Addr = f.apiAddr
	}
	return settings
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	settings := flags.apply(rt.settings)
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if len(settings.Crawler.StartURLs) == 0 {
		return errors.New("no start URLs: pass --url or set crawler.start_urls")
	}

	cc, err := crawlctx.New(settings, crawlctx.WithLogger(rt.logger))
	if err != nil {
		return err
	}
	logger := cc.Logger

	reg := prometheus.NewRegistry()
	if err := reg.Register(cc.Stats); err != nil {
		return fmt.Errorf("register crawl stats: %w", err)
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := events.NewHub(events.Config{Logger: logger.Named("events")}, sinks.NewLogSink(logger), promSink)
	disconnect := events.Bridge(cc.Signals, hub, cc.ID, cc.Clock)
	defer func() {
		disconnect()
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := hub.Close(closeCtx); cerr != nil {
			logger.Warn("failed to close event hub", zap.Error(cerr))
		}
	}()

	eng, itemSink, err := buildEngine(cc)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := itemSink.Close(); cerr != nil {
			logger.Warn("failed to close item sink", zap.Error(cerr))
		}
	}()

	ctx, force := context.WithCancel(cmd.Context())
	defer force()
	go watchSignals(ctx, eng, force, logger)

	apiCtx, stopAPI := context.WithCancel(ctx)
	defer stopAPI()

	var srv *api.Server
	if settings.API.Enabled {
		srv, err = api.NewServer(eng, cc.Stats, cc.ID, reg, logger)
		if err != nil {
			return fmt.Errorf("init status api: %w", err)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		defer stopAPI()
		return eng.Run(ctx)
	})
	if srv != nil {
		g.Go(func() error { return srv.Serve(apiCtx, settings.API.Addr) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	logger.Info("crawl command finished",
		zap.Int64("items", cc.Stats.Int("item_scraped_count")),
		zap.Int64("responses", cc.Stats.Int("downloader/response_count")),
	)
	return nil
}

// itemSink is the crawler.ItemSink the command owns and must close.
type itemSink interface {
	crawler.ItemSink
	io.Closer
}

func buildEngine(cc *crawlctx.Context) (*engine.Engine, itemSink, error) {
	settings := cc.Settings
	tr := buildTransport(settings, cc.Logger)

	dlChain, err := buildDownloaderChain(cc, tr)
	if err != nil {
		return nil, nil, err
	}
	dl, err := downloader.New(cc, tr, downloader.WithChain(dlChain))
	if err != nil {
		return nil, nil, fmt.Errorf("init downloader: %w", err)
	}
	sched := scheduler.New(cc, scheduler.WithSlots(dl, dl.QueueKey))

	spChain, err := middleware.NewSpiderChain(depth.New(cc))
	if err != nil {
		return nil, nil, fmt.Errorf("build spider chain: %w", err)
	}

	out, err := buildItemSink(settings, cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	spider := follow.New(follow.Config{
		StartURLs:      settings.Crawler.StartURLs,
		AllowedDomains: settings.Crawler.AllowedDomains,
	}, cc.Logger)

	eng, err := engine.New(cc, spider, sched, dl,
		engine.WithSpiderChain(spChain),
		engine.WithItemSink(out),
	)
	if err != nil {
		_ = out.Close()
		return nil, nil, fmt.Errorf("init engine: %w", err)
	}
	return eng, out, nil
}

func buildTransport(settings config.Settings, logger *zap.Logger) crawler.Transport {
	base := transport.NewHTTPTransport()
	if settings.Crawler.Transport == config.TransportColly {
		return collytransport.New(settings.Crawler, base, logger)
	}
	return httpx.New(settings.Crawler, logger, httpx.WithRoundTripper(base))
}

// buildDownloaderChain orders hooks outermost first: stats see every
// exchange, blocked hosts and robots rejections never reach the transport,
// retry wraps the cache, which sits closest to it.
func buildDownloaderChain(cc *crawlctx.Context, tr crawler.Transport) (*middleware.DownloaderChain, error) {
	hooks := []any{downloadstats.New(cc)}
	if bl := blocklist.New(cc); bl != nil {
		hooks = append(hooks, bl)
	}
	if cc.Settings.Robots.Obey {
		hooks = append(hooks, robots.New(cc, tr))
	}
	if cc.Settings.Retry.Enabled {
		hooks = append(hooks, retry.New(cc))
	}
	if cc.Settings.HTTPCache.Enabled {
		hooks = append(hooks, httpcache.New(cc))
	}
	chain, err := middleware.NewDownloaderChain(hooks...)
	if err != nil {
		return nil, fmt.Errorf("build downloader chain: %w", err)
	}
	return chain, nil
}

func buildItemSink(settings config.Settings, logger *zap.Logger) (itemSink, error) {
	if settings.Output.Path == "" {
		return sink.NewLogSink(logger), nil
	}
	s, err := sink.NewJSONLinesSink(settings.Output.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open item output: %w", err)
	}
	return s, nil
}

// watchSignals closes the crawl gracefully on the first interrupt and
// forces it on the second.
func watchSignals(ctx context.Context, eng *engine.Engine, force context.CancelFunc, logger *zap.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	received := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-eng.Done():
			return
		case sig := <-sigs:
			received++
			if received == 1 {
				logger.Info("received signal, shutting down gracefully; send it again to force",
					zap.String("signal", sig.String()))
				eng.Close(engine.ReasonShutdown)
				continue
			}
			logger.Warn("received second signal, forcing shutdown", zap.String("signal", sig.String()))
			force()
			return
		}
	}
}
