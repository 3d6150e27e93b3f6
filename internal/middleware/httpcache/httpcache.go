// Package httpcache answers requests from responses stored by earlier
// crawls. Every response is cached unless its status or the request's
// scheme is ignored, and cached entries are served without revalidation.
package httpcache

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/fingerprint"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

// FlagCached marks responses served from the cache.
const FlagCached = "cached"

// Storage persists responses keyed by request.
type Storage interface {
	Retrieve(req *crawler.Request) (*crawler.Response, bool, error)
	Store(req *crawler.Request, resp *crawler.Response) error
}

// Option customizes the middleware.
type Option func(*Middleware)

// WithStorage replaces the filesystem storage.
func WithStorage(s Storage) Option {
	return func(m *Middleware) {
		if s != nil {
			m.storage = s
		}
	}
}

// Middleware is a downloader hook. Register it closest to the transport so
// retries and robots decisions still apply to cache misses.
type Middleware struct {
	storage       Storage
	ignoreCodes   map[int]struct{}
	ignoreSchemes map[string]struct{}
	ignoreMissing bool
	stats         *stats.Collector
	logger        *zap.Logger
}

// New builds the middleware from the crawl settings.
func New(cc *crawlctx.Context, opts ...Option) *Middleware {
	cfg := cc.Settings.HTTPCache
	m := &Middleware{
		storage: NewFilesystemStorage(cfg.Dir, cfg.Expiration, cc.Clock,
			fingerprint.New(cc.Settings.Scheduler.FingerprintIncludeHeaders...)),
		ignoreCodes:   make(map[int]struct{}, len(cfg.IgnoreHTTPCodes)),
		ignoreSchemes: make(map[string]struct{}, len(cfg.IgnoreSchemes)),
		ignoreMissing: cfg.IgnoreMissing,
		stats:         cc.Stats,
		logger:        cc.Logger.Named("httpcache"),
	}
	for _, c := range cfg.IgnoreHTTPCodes {
		m.ignoreCodes[c] = struct{}{}
	}
	for _, s := range cfg.IgnoreSchemes {
		m.ignoreSchemes[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger.Debug("using filesystem cache storage", zap.String("dir", cfg.Dir))
	return m
}

// Name implements middleware.Namer.
func (m *Middleware) Name() string { return "httpcache" }

func (m *Middleware) cacheable(req *crawler.Request) bool {
	if req.MetaBool(crawler.MetaDontCache) {
		return false
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return false
	}
	_, ignored := m.ignoreSchemes[u.Scheme]
	return !ignored
}

// ProcessRequest serves a stored response when there is one.
func (m *Middleware) ProcessRequest(_ context.Context, req *crawler.Request) (middleware.Action, error) {
	if !m.cacheable(req) {
		return middleware.Continue(), nil
	}
	resp, ok, err := m.storage.Retrieve(req)
	if err != nil {
		m.stats.Inc("httpcache/errors", 1)
		m.logger.Warn("cache lookup failed", zap.String("url", req.URL), zap.Error(err))
		return middleware.Continue(), nil
	}
	if !ok {
		m.stats.Inc("httpcache/miss", 1)
		if m.ignoreMissing {
			m.stats.Inc("httpcache/ignore", 1)
			return middleware.Action{}, crawler.ErrIgnoreRequest
		}
		return middleware.Continue(), nil
	}
	m.stats.Inc("httpcache/hit", 1)
	resp.Flags = append(resp.Flags, FlagCached)
	return middleware.WithResponse(resp), nil
}

// ProcessResponse stores fresh responses that pass the policy.
func (m *Middleware) ProcessResponse(_ context.Context, req *crawler.Request, resp *crawler.Response) (middleware.Action, error) {
	if resp.HasFlag(FlagCached) || !m.cacheable(req) {
		return middleware.Continue(), nil
	}
	if _, ignored := m.ignoreCodes[resp.Status]; ignored {
		m.stats.Inc("httpcache/uncacheable", 1)
		return middleware.Continue(), nil
	}
	if err := m.storage.Store(req, resp); err != nil {
		m.stats.Inc("httpcache/errors", 1)
		m.logger.Warn("cache store failed", zap.String("url", req.URL), zap.Error(err))
		return middleware.Continue(), nil
	}
	m.stats.Inc("httpcache/store", 1)
	return middleware.Continue(), nil
}
