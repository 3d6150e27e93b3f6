package downloadstats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx/crawlctxtest"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

func TestDownloadStats(t *testing.T) {
	t.Parallel()

	cc := crawlctxtest.New(t, nil)
	chain, err := middleware.NewDownloaderChain(New(cc))
	require.NoError(t, err)
	ctx := context.Background()

	out := chain.Execute(ctx, crawler.NewRequest("http://a.test/"), func(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
		return &crawler.Response{URL: req.URL, Status: 200, Body: []byte("hello"), Request: req}, nil
	})
	require.Equal(t, middleware.OutcomeResponse, out.Kind)

	out = chain.Execute(ctx, crawler.NewRequest("http://a.test/x", crawler.WithMethod("post")), func(context.Context, *crawler.Request) (*crawler.Response, error) {
		return nil, crawler.ErrTimeout
	})
	require.Equal(t, middleware.OutcomeFailure, out.Kind)

	assert.Equal(t, int64(2), cc.Stats.Int("downloader/request_count"))
	assert.Equal(t, int64(1), cc.Stats.Int("downloader/request_method_count/GET"))
	assert.Equal(t, int64(1), cc.Stats.Int("downloader/request_method_count/POST"))
	assert.Positive(t, cc.Stats.Int("downloader/request_bytes"))
	assert.Equal(t, int64(1), cc.Stats.Int("downloader/response_count"))
	assert.Equal(t, int64(1), cc.Stats.Int("downloader/response_status_count/200"))
	assert.Equal(t, int64(5), cc.Stats.Int("downloader/response_bytes"))
	assert.Equal(t, int64(1), cc.Stats.Int("downloader/exception_count"))
	assert.Equal(t, int64(1), cc.Stats.Int("downloader/exception_type_count/timeout"))
}

type customErr struct{}

func (customErr) Error() string { return "custom" }

func TestErrorType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dataloss", errorType(crawler.ErrDataLoss))
	assert.Equal(t, "downloadstats.customErr", errorType(fmt.Errorf("wrap: %w", customErr{})))
	assert.Equal(t, "errors.errorString", errorType(errors.New("flat")))
}
