package depth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx/crawlctxtest"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

func scrape(t *testing.T, m *Middleware, parent *crawler.Request, out crawler.Results) []crawler.Output {
	t.Helper()
	chain, err := middleware.NewSpiderChain(m)
	require.NoError(t, err)
	resp := &crawler.Response{URL: parent.URL, Status: 200, Request: parent}
	var got []crawler.Output
	for o, err := range chain.Scrape(context.Background(), resp, func(context.Context, *crawler.Response) crawler.Results { return out }) {
		require.NoError(t, err)
		got = append(got, o)
	}
	return got
}

func TestDepthStampsAndLimits(t *testing.T) {
	t.Parallel()

	cc := crawlctxtest.New(t, func(s *config.Settings) {
		s.Crawler.DepthLimit = 2
		s.Crawler.DepthPriority = 1
	})
	m := New(cc)

	start := crawler.NewRequest("http://a.test/")
	got := scrape(t, m, start, func(yield func(crawler.Output, error) bool) {
		if !yield(crawler.Output{Request: crawler.NewRequest("http://a.test/1")}, nil) {
			return
		}
		yield(crawler.Output{Item: "item"}, nil)
	})
	require.Len(t, got, 2)
	child := got[0].Request
	d, _ := child.MetaInt(crawler.MetaDepth)
	assert.Equal(t, 1, d)
	assert.Equal(t, -1, child.Priority)
	assert.Equal(t, "item", got[1].Item)

	grandchild := scrape(t, m, child, crawler.Requests(crawler.NewRequest("http://a.test/2")))[0].Request
	d, _ = grandchild.MetaInt(crawler.MetaDepth)
	assert.Equal(t, 2, d)
	assert.Equal(t, -2, grandchild.Priority)

	assert.Empty(t, scrape(t, m, grandchild, crawler.Requests(crawler.NewRequest("http://a.test/3"))))

	assert.Equal(t, int64(1), cc.Stats.Int("request_depth_count/0"))
	assert.Equal(t, int64(1), cc.Stats.Int("request_depth_count/1"))
	assert.Equal(t, int64(2), cc.Stats.Int("request_depth_max"))
}

func TestDepthUnlimited(t *testing.T) {
	t.Parallel()

	m := New(crawlctxtest.New(t, nil))
	parent := crawler.NewRequest("http://a.test/", crawler.WithMetaValue(crawler.MetaDepth, 40))
	got := scrape(t, m, parent, crawler.Requests(crawler.NewRequest("http://a.test/deep", crawler.WithPriority(3))))
	require.Len(t, got, 1)
	d, _ := got[0].Request.MetaInt(crawler.MetaDepth)
	assert.Equal(t, 41, d)
	assert.Equal(t, 3, got[0].Request.Priority)
}
