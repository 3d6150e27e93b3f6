// Package collytransport sends crawl requests through a gocolly collector.
// Robots, revisit filtering and redirects are left to the crawl core, so
// the collector is configured to do none of them.
package collytransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/transport"
)

// Transport implements crawler.Transport with colly.
type Transport struct {
	cfg    config.CrawlerConfig
	base   http.RoundTripper
	logger *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Transport. A nil base uses the pooled default.
func New(cfg config.CrawlerConfig, base http.RoundTripper, logger *zap.Logger) *Transport {
	if base == nil {
		base = transport.NewHTTPTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, base: base, logger: logger.Named("colly")}
}

// Send performs one exchange on a collector built for the request. Colly
// keeps its HTTP client on shared backend state, so collectors are never
// reused across concurrent sends.
func (t *Transport) Send(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	limits := transport.LimitsFor(t.cfg, req)
	state := &exchange{ctx: ctx, req: req, limits: limits}
	collector := t.buildCollector(state)

	var (
		result   *crawler.Response
		fetchErr error
	)
	t.configureCollectorHooks(collector, req, &result, &fetchErr)
	if err := t.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("colly returned no response for %s", req.URL)
	}
	return t.finish(state, result)
}

func (t *Transport) buildCollector(state *exchange) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.Async(false),
	}
	if t.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(t.cfg.UserAgent))
	}
	if state.limits.MaxSize > 0 {
		// One byte past the cap tells a truncated read from an exact fit.
		opts = append(opts, colly.MaxBodySize(int(state.limits.MaxSize)+1))
	} else {
		opts = append(opts, colly.MaxBodySize(0))
	}
	c := colly.NewCollector(opts...)
	c.DisableCookies()
	c.SetRequestTimeout(t.cfg.DownloadTimeout)
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})
	c.WithTransport(&exchangeTransport{base: t.base, state: state})
	return c
}

func (t *Transport) configureCollectorHooks(
	hooks collectorHooks,
	req *crawler.Request,
	result **crawler.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		resp := &crawler.Response{
			URL:     r.Request.URL.String(),
			Status:  r.StatusCode,
			Body:    append([]byte(nil), r.Body...),
			Request: req,
		}
		if r.Headers != nil {
			resp.Headers = r.Headers.Clone()
		}
		*result = resp
	})
	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, req *crawler.Request, fetchErr *error) error {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(req.Method, req.URL, body, nil, req.Headers.Clone())
	}()

	select {
	case <-ctx.Done():
		return transport.ClassifyError(fmt.Errorf("colly fetch canceled: %w", ctx.Err()))
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			if errors.Is(err, crawler.ErrResponseTooLarge) || errors.Is(err, crawler.ErrDataLoss) {
				return err
			}
			return transport.ClassifyError(fmt.Errorf("colly request failed: %w", err))
		}
		return nil
	}
}

func (t *Transport) finish(state *exchange, resp *crawler.Response) (*crawler.Response, error) {
	limits := state.limits
	size := int64(len(resp.Body))
	if limits.MaxSize > 0 && size > limits.MaxSize {
		return nil, fmt.Errorf("%w: received more than %d bytes (%s)",
			crawler.ErrResponseTooLarge, limits.MaxSize, state.req.URL)
	}
	if limits.WarnSize > 0 && (size > limits.WarnSize || state.declared > limits.WarnSize) {
		t.logger.Warn("response larger than warn size",
			zap.String("url", state.req.URL), zap.Int64("size", max(size, state.declared)), zap.Int64("warnsize", limits.WarnSize))
	}
	if state.truncated() {
		if limits.FailOnDataLoss {
			return nil, fmt.Errorf("%w: got %d bytes from %s", crawler.ErrDataLoss, size, state.req.URL)
		}
		t.logger.Warn("response body truncated", zap.String("url", state.req.URL), zap.Int64("size", size))
		resp.Flags = append(resp.Flags, transport.FlagDataLoss)
	}
	return resp, nil
}

// exchange carries per-request state into the round tripper.
type exchange struct {
	ctx    context.Context
	req    *crawler.Request
	limits transport.Limits

	mu       sync.Mutex
	declared int64
	lost     bool
}

func (e *exchange) truncated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

// exchangeTransport binds the caller's context to colly's request, rejects
// oversized declared bodies and records short reads instead of failing them.
type exchangeTransport struct {
	base  http.RoundTripper
	state *exchange
}

func (x *exchangeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := x.base.RoundTrip(req.WithContext(x.state.ctx))
	if err != nil {
		return nil, err
	}
	x.state.mu.Lock()
	x.state.declared = resp.ContentLength
	x.state.mu.Unlock()
	if limit := x.state.limits.MaxSize; limit > 0 && resp.ContentLength > limit {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d (%s)",
			crawler.ErrResponseTooLarge, resp.ContentLength, limit, x.state.req.URL)
	}
	resp.Body = &lossBody{ReadCloser: resp.Body, state: x.state}
	return resp, nil
}

type lossBody struct {
	io.ReadCloser
	state *exchange
}

func (b *lossBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		b.state.mu.Lock()
		b.state.lost = true
		b.state.mu.Unlock()
		return n, io.EOF
	}
	return n, err
}
