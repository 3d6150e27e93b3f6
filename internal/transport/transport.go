// Package transport holds the network transports the downloader sends
// requests through. Each subpackage implements crawler.Transport with the
// same contract: redirects are returned as-is, download_maxsize is a hard
// cap, download_warnsize logs once, and a truncated body either fails with
// crawler.ErrDataLoss or carries the "dataloss" flag.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// FlagDataLoss marks a response whose body is shorter than declared.
const FlagDataLoss = "dataloss"

// Limits are the size rules applied to one response.
type Limits struct {
	MaxSize        int64
	WarnSize       int64
	FailOnDataLoss bool
}

// LimitsFor returns the configured limits with req's meta overrides applied.
func LimitsFor(cfg config.CrawlerConfig, req *crawler.Request) Limits {
	l := Limits{
		MaxSize:        cfg.DownloadMaxSize,
		WarnSize:       cfg.DownloadWarnSize,
		FailOnDataLoss: cfg.DownloadFailOnDataLoss,
	}
	if v, ok := req.MetaInt(crawler.MetaDownloadMaxSize); ok {
		l.MaxSize = int64(v)
	}
	if v, ok := req.MetaInt(crawler.MetaDownloadWarnSize); ok {
		l.WarnSize = int64(v)
	}
	if v, ok := req.Meta[crawler.MetaFailOnDataLoss].(bool); ok {
		l.FailOnDataLoss = v
	}
	return l
}

// ClassifyError maps a client error onto the crawl error sentinels.
// Caller cancellation is returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(crawler.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(crawler.ErrTimeout, err)
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return errors.Join(crawler.ErrConnection, err)
	}
	return err
}

// NewHTTPTransport returns a pooled round tripper shared by the transports.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
