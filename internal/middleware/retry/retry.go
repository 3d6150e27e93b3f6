// Package retry re-schedules requests that failed for transient reasons.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

// Middleware retries responses with configured status codes and
// transport errors that are likely transient. Each retry is a copy of the
// request with meta retry_times incremented, DontFilter set and priority
// adjusted.
type Middleware struct {
	times  int
	codes  map[int]struct{}
	adjust int
	stats  *stats.Collector
	logger *zap.Logger
}

// New builds the middleware from the crawl settings.
func New(cc *crawlctx.Context) *Middleware {
	cfg := cc.Settings.Retry
	codes := make(map[int]struct{}, len(cfg.HTTPCodes))
	for _, c := range cfg.HTTPCodes {
		codes[c] = struct{}{}
	}
	return &Middleware{
		times:  cfg.Times,
		codes:  codes,
		adjust: cfg.PriorityAdjust,
		stats:  cc.Stats,
		logger: cc.Logger.Named("retry"),
	}
}

// Name implements middleware.Namer.
func (m *Middleware) Name() string { return "retry" }

// ProcessResponse retries responses whose status is in the retry set.
func (m *Middleware) ProcessResponse(_ context.Context, req *crawler.Request, resp *crawler.Response) (middleware.Action, error) {
	if req.MetaBool(crawler.MetaDontRetry) {
		return middleware.Continue(), nil
	}
	if _, ok := m.codes[resp.Status]; !ok {
		return middleware.Continue(), nil
	}
	reason := strconv.Itoa(resp.Status)
	if text := http.StatusText(resp.Status); text != "" {
		reason += " " + text
	}
	if next := m.retry(req, reason); next != nil {
		return middleware.WithRequest(next), nil
	}
	return middleware.Continue(), nil
}

// ProcessException retries transient transport errors.
func (m *Middleware) ProcessException(_ context.Context, req *crawler.Request, err error) (middleware.Action, error) {
	reason, ok := transient(err)
	if !ok || req.MetaBool(crawler.MetaDontRetry) {
		return middleware.Continue(), nil
	}
	if next := m.retry(req, reason); next != nil {
		return middleware.WithRequest(next), nil
	}
	return middleware.Continue(), nil
}

func (m *Middleware) retry(req *crawler.Request, reason string) *crawler.Request {
	attempts, _ := req.MetaInt(crawler.MetaRetryTimes)
	attempts++
	limit := m.times
	if v, ok := req.MetaInt(crawler.MetaMaxRetryTimes); ok {
		limit = v
	}
	if attempts > limit {
		m.stats.Inc("retry/max_reached", 1)
		m.logger.Error("gave up retrying",
			zap.String("url", req.URL), zap.Int("attempts", attempts), zap.String("reason", reason))
		return nil
	}
	m.stats.Inc("retry/count", 1)
	m.stats.Inc(fmt.Sprintf("retry/reason_count/%s", reason), 1)
	m.logger.Debug("retrying request",
		zap.String("url", req.URL), zap.Int("attempt", attempts), zap.String("reason", reason))
	return req.Replace(func(r *crawler.Request) {
		r.Meta[crawler.MetaRetryTimes] = attempts
		r.DontFilter = true
		r.Priority += m.adjust
	})
}

// transient classifies err and reports whether it is worth retrying.
func transient(err error) (string, bool) {
	switch {
	case errors.Is(err, context.Canceled):
		return "", false
	case errors.Is(err, crawler.ErrTimeout):
		return "timeout", true
	case errors.Is(err, crawler.ErrConnection):
		return "connection", true
	case errors.Is(err, crawler.ErrDataLoss):
		return "dataloss", true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", true
	}
	return "", false
}
