// Package crawlctxtest builds crawl contexts for tests.
package crawlctxtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
)

// New builds a Context from default settings, mutated by tune.
func New(t testing.TB, tune func(*config.Settings), opts ...crawlctx.Option) *crawlctx.Context {
	t.Helper()
	settings := config.Default()
	if tune != nil {
		tune(&settings)
	}
	c, err := crawlctx.New(settings, opts...)
	require.NoError(t, err)
	return c
}
