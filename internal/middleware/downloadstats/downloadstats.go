// Package downloadstats counts requests, responses and download errors.
package downloadstats

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

// Middleware records downloader/* stats. Register it first in the chain so
// it sees what leaves and returns from the network.
type Middleware struct {
	stats *stats.Collector
}

// New builds the middleware.
func New(cc *crawlctx.Context) *Middleware {
	return &Middleware{stats: cc.Stats}
}

// Name implements middleware.Namer.
func (m *Middleware) Name() string { return "downloadstats" }

// ProcessRequest implements middleware.RequestProcessor.
func (m *Middleware) ProcessRequest(_ context.Context, req *crawler.Request) (middleware.Action, error) {
	m.stats.Inc("downloader/request_count", 1)
	m.stats.Inc("downloader/request_method_count/"+req.Method, 1)
	m.stats.Inc("downloader/request_bytes", requestSize(req))
	return middleware.Continue(), nil
}

// ProcessResponse implements middleware.ResponseProcessor.
func (m *Middleware) ProcessResponse(_ context.Context, _ *crawler.Request, resp *crawler.Response) (middleware.Action, error) {
	m.stats.Inc("downloader/response_count", 1)
	m.stats.Inc(fmt.Sprintf("downloader/response_status_count/%d", resp.Status), 1)
	m.stats.Inc("downloader/response_bytes", int64(len(resp.Body)))
	return middleware.Continue(), nil
}

// ProcessException implements middleware.ExceptionProcessor.
func (m *Middleware) ProcessException(_ context.Context, _ *crawler.Request, err error) (middleware.Action, error) {
	m.stats.Inc("downloader/exception_count", 1)
	m.stats.Inc("downloader/exception_type_count/"+errorType(err), 1)
	return middleware.Continue(), nil
}

func requestSize(req *crawler.Request) int64 {
	n := len(req.Method) + len(req.URL) + len(req.Body)
	for k, vs := range req.Headers {
		for _, v := range vs {
			n += len(k) + len(v) + 4
		}
	}
	return int64(n)
}

func errorType(err error) string {
	for _, known := range []struct {
		target error
		name   string
	}{
		{crawler.ErrTimeout, "timeout"},
		{crawler.ErrConnection, "connection"},
		{crawler.ErrResponseTooLarge, "response_too_large"},
		{crawler.ErrDataLoss, "dataloss"},
		{crawler.ErrDownloaderClosed, "downloader_closed"},
		{context.Canceled, "canceled"},
	} {
		if errors.Is(err, known.target) {
			return known.name
		}
	}
	for inner := errors.Unwrap(err); inner != nil; inner = errors.Unwrap(err) {
		err = inner
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
