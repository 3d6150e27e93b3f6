// Package depth tracks how many links away from a start request each
// request is, optionally limiting and deprioritizing deep requests.
package depth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

// Middleware is a spider output hook.
type Middleware struct {
	limit    int
	priority int
	stats    *stats.Collector
	logger   *zap.Logger
}

// New builds the middleware from crawler.depth_limit and
// crawler.depth_priority.
func New(cc *crawlctx.Context) *Middleware {
	return &Middleware{
		limit:    cc.Settings.Crawler.DepthLimit,
		priority: cc.Settings.Crawler.DepthPriority,
		stats:    cc.Stats,
		logger:   cc.Logger.Named("depth"),
	}
}

// Name implements middleware.Namer.
func (m *Middleware) Name() string { return "depth" }

// ProcessSpiderOutput stamps child requests with their depth.
func (m *Middleware) ProcessSpiderOutput(_ context.Context, resp *crawler.Response, in crawler.Results) crawler.Results {
	parent, ok := resp.Request.MetaInt(crawler.MetaDepth)
	if !ok && resp.Request != nil {
		m.stats.Inc("request_depth_count/0", 1)
	}
	return func(yield func(crawler.Output, error) bool) {
		for out, err := range in {
			if err == nil && out.IsRequest() {
				req, keep := m.stamp(out.Request, parent+1)
				if !keep {
					continue
				}
				out.Request = req
			}
			if !yield(out, err) {
				return
			}
		}
	}
}

func (m *Middleware) stamp(req *crawler.Request, depth int) (*crawler.Request, bool) {
	if m.limit > 0 && depth > m.limit {
		m.logger.Debug("ignoring link beyond depth limit",
			zap.String("url", req.URL), zap.Int("depth", depth), zap.Int("limit", m.limit))
		return nil, false
	}
	next := req.Replace(func(r *crawler.Request) {
		r.Meta[crawler.MetaDepth] = depth
		if m.priority != 0 {
			r.Priority -= depth * m.priority
		}
	})
	m.stats.Inc(fmt.Sprintf("request_depth_count/%d", depth), 1)
	m.stats.Max("request_depth_max", int64(depth))
	return next, true
}
