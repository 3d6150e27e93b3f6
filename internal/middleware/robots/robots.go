// Package robots drops requests that a site's robots.txt disallows.
package robots

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

// Middleware fetches robots.txt once per origin through the crawl
// transport and ignores disallowed requests.
type Middleware struct {
	transport crawler.Transport
	userAgent string
	stats     *stats.Collector
	logger    *zap.Logger

	cache sync.Map
	group singleflight.Group
}

// New builds the middleware. transport is used for robots.txt fetches.
func New(cc *crawlctx.Context, transport crawler.Transport) *Middleware {
	return &Middleware{
		transport: transport,
		userAgent: cc.Settings.Crawler.UserAgent,
		stats:     cc.Stats,
		logger:    cc.Logger.Named("robots"),
	}
}

// Name implements middleware.Namer.
func (m *Middleware) Name() string { return "robots" }

// ProcessRequest implements middleware.RequestProcessor.
func (m *Middleware) ProcessRequest(ctx context.Context, req *crawler.Request) (middleware.Action, error) {
	if req.MetaBool(crawler.MetaDontObeyRobots) {
		return middleware.Continue(), nil
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Host == "" {
		return middleware.Continue(), nil
	}
	data, err := m.load(ctx, parsed)
	if err != nil {
		m.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return middleware.Continue(), nil
	}
	path := parsed.EscapedPath()
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	if path == "" {
		path = "/"
	}
	if data.TestAgent(path, m.userAgent) {
		return middleware.Continue(), nil
	}
	m.stats.Inc("robotstxt/forbidden", 1)
	m.logger.Debug("forbidden by robots.txt", zap.String("url", req.URL))
	return middleware.Ignore(), nil
}

func (m *Middleware) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	origin := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := m.cache.Load(origin); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}
	v, err, _ := m.group.Do(origin, func() (any, error) {
		if data, ok := m.cache.Load(origin); ok {
			return data, nil
		}
		robotsReq := crawler.NewRequest(origin+"/robots.txt", crawler.WithDontFilter())
		if m.userAgent != "" {
			robotsReq.Headers.Set("User-Agent", m.userAgent)
		}
		m.stats.Inc("robotstxt/request_count", 1)
		resp, err := m.transport.Send(ctx, robotsReq)
		if err != nil {
			return nil, fmt.Errorf("fetch robots: %w", err)
		}
		m.stats.Inc(fmt.Sprintf("robotstxt/response_status_count/%d", resp.Status), 1)
		data, err := robotstxt.FromStatusAndBytes(resp.Status, resp.Body)
		if err != nil {
			return nil, fmt.Errorf("parse robots: %w", err)
		}
		m.cache.Store(origin, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}
