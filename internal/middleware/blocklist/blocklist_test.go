package blocklist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/crawlctx/crawlctxtest"
)

func newBlocklist(t *testing.T, patterns ...string) (*Middleware, *crawlctx.Context) {
	t.Helper()
	cc := crawlctxtest.New(t, func(s *config.Settings) {
		s.Crawler.BlockedDomains = patterns
	})
	return New(cc), cc
}

func TestBlocked(t *testing.T) {
	t.Parallel()

	m, _ := newBlocklist(t, "Ads.Example.com", "*.tracker.test", ".cdn.test", " ", "*.")
	require.NotNil(t, m)

	testCases := []struct {
		host string
		want bool
	}{
		{"ads.example.com", true},
		{"example.com", false},
		{"sub.ads.example.com", false},
		{"tracker.test", true},
		{"a.b.tracker.test", true},
		{"nottracker.test", false},
		{"img.cdn.test", true},
		{"", false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, m.Blocked(tc.host), tc.host)
	}
}

func TestNoPatterns(t *testing.T) {
	t.Parallel()

	m, _ := newBlocklist(t, " ", "")
	assert.Nil(t, m)
	assert.False(t, m.Blocked("a.test"))
}

func TestProcessRequest(t *testing.T) {
	t.Parallel()

	m, cc := newBlocklist(t, "*.blocked.test")
	require.NotNil(t, m)

	act, err := m.ProcessRequest(context.Background(), crawler.NewRequest("http://www.blocked.test:8080/x"))
	require.NoError(t, err)
	assert.Equal(t, "ignore", act.String())
	assert.Equal(t, int64(1), cc.Stats.Int("blocklist/filtered"))

	act, err = m.ProcessRequest(context.Background(), crawler.NewRequest("http://ok.test/"))
	require.NoError(t, err)
	assert.Equal(t, "continue", act.String())
}
