// Package httpx sends crawl requests with net/http.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/transport"
)

// Transport implements crawler.Transport on an http.Client that never
// follows redirects.
type Transport struct {
	cfg    config.CrawlerConfig
	client *http.Client
	logger *zap.Logger
}

// Option customizes Transport.
type Option func(*Transport)

// WithRoundTripper replaces the pooled default round tripper.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(t *Transport) { t.client.Transport = rt }
}

// New builds a Transport from the crawler settings.
func New(cfg config.CrawlerConfig, logger *zap.Logger, opts ...Option) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		cfg:    cfg,
		logger: logger.Named("httpx"),
		client: &http.Client{
			Transport: transport.NewHTTPTransport(),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send performs one exchange. The deadline comes from ctx.
func (t *Transport) Send(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && t.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.cfg.UserAgent)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, transport.ClassifyError(err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.logger.Debug("failed to close response body", zap.String("url", req.URL), zap.Error(cerr))
		}
	}()

	limits := transport.LimitsFor(t.cfg, req)
	if limits.MaxSize > 0 && resp.ContentLength > limits.MaxSize {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d (%s)",
			crawler.ErrResponseTooLarge, resp.ContentLength, limits.MaxSize, req.URL)
	}
	warned := false
	if limits.WarnSize > 0 && resp.ContentLength > limits.WarnSize {
		warned = true
		t.logger.Warn("expected response size larger than warn size",
			zap.String("url", req.URL), zap.Int64("size", resp.ContentLength), zap.Int64("warnsize", limits.WarnSize))
	}

	data, flags, err := t.read(req, resp.Body, limits, warned)
	if err != nil {
		return nil, err
	}
	return &crawler.Response{
		URL:     resp.Request.URL.String(),
		Status:  resp.StatusCode,
		Headers: resp.Header.Clone(),
		Body:    data,
		Request: req,
		Flags:   flags,
	}, nil
}

func (t *Transport) read(req *crawler.Request, r io.Reader, limits transport.Limits, warned bool) ([]byte, []string, error) {
	if limits.MaxSize > 0 {
		r = io.LimitReader(r, limits.MaxSize+1)
	}
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(chunk)
		buf.Write(chunk[:n])
		if limits.MaxSize > 0 && int64(buf.Len()) > limits.MaxSize {
			return nil, nil, fmt.Errorf("%w: received more than %d bytes (%s)",
				crawler.ErrResponseTooLarge, limits.MaxSize, req.URL)
		}
		if !warned && limits.WarnSize > 0 && int64(buf.Len()) > limits.WarnSize {
			warned = true
			t.logger.Warn("received more bytes than warn size",
				zap.String("url", req.URL), zap.Int("size", buf.Len()), zap.Int64("warnsize", limits.WarnSize))
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			return buf.Bytes(), nil, nil
		}
		if errors.Is(rerr, io.ErrUnexpectedEOF) {
			if limits.FailOnDataLoss {
				return nil, nil, fmt.Errorf("%w: got %d bytes from %s", crawler.ErrDataLoss, buf.Len(), req.URL)
			}
			t.logger.Warn("response body truncated", zap.String("url", req.URL), zap.Int("size", buf.Len()))
			return buf.Bytes(), []string{transport.FlagDataLoss}, nil
		}
		return nil, nil, transport.ClassifyError(rerr)
	}
}
