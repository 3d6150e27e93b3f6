// Package blocklist ignores requests to hosts matched by configured
// patterns. A pattern is an exact host ("a.test") or a suffix wildcard
// ("*.a.test" or ".a.test", which also match "a.test" itself).
package blocklist

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

// Middleware is a downloader request hook.
type Middleware struct {
	exact    map[string]struct{}
	suffixes []string
	stats    *stats.Collector
	logger   *zap.Logger
}

// New builds the middleware from crawler.blocked_domains. It returns nil
// when no usable pattern is configured so callers can skip it.
func New(cc *crawlctx.Context) *Middleware {
	m := &Middleware{
		exact:  make(map[string]struct{}),
		stats:  cc.Stats,
		logger: cc.Logger.Named("blocklist"),
	}
	for _, raw := range cc.Settings.Crawler.BlockedDomains {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *Middleware) addSuffix(suffix string) {
	if suffix != "" && !slices.Contains(m.suffixes, suffix) {
		m.suffixes = append(m.suffixes, suffix)
	}
}

// Name implements middleware.Namer.
func (m *Middleware) Name() string { return "blocklist" }

// Blocked reports whether host matches a pattern.
func (m *Middleware) Blocked(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// ProcessRequest implements middleware.RequestProcessor.
func (m *Middleware) ProcessRequest(_ context.Context, req *crawler.Request) (middleware.Action, error) {
	if !m.Blocked(req.Host()) {
		return middleware.Continue(), nil
	}
	m.stats.Inc("blocklist/filtered", 1)
	m.logger.Debug("filtered blocked host", zap.String("url", req.URL))
	return middleware.Ignore(), nil
}
