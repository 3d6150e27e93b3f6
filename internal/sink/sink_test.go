package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

func TestJSONLinesSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "items.jsonl")
	s, err := NewJSONLinesSink(path, zap.NewNop())
	require.NoError(t, err)

	_, err = s.Accept(context.Background(), map[string]any{"url": "http://a.test/", "status": 200})
	require.NoError(t, err)
	_, err = s.Accept(context.Background(), map[string]any{"url": "http://b.test/"})
	require.NoError(t, err)

	_, err = s.Accept(context.Background(), map[string]any{"bad": make(chan int)})
	var drop *crawler.DropItem
	require.ErrorAs(t, err, &drop)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 2, s.Count())

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	var urls []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		urls = append(urls, rec["url"].(string))
	}
	assert.Equal(t, []string{"http://a.test/", "http://b.test/"}, urls)

	_, err = s.Accept(context.Background(), "late")
	require.Error(t, err)
}

func TestJSONLinesSinkAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "items.jsonl")
	for range 2 {
		s, err := NewJSONLinesSink(path, nil)
		require.NoError(t, err)
		_, err = s.Accept(context.Background(), "x")
		require.NoError(t, err)
		require.NoError(t, s.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "\"x\"\n\"x\"\n", string(data))
}

func TestNewJSONLinesSinkRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := NewJSONLinesSink("", nil)
	require.Error(t, err)
}

func TestLogSinkPassesItemThrough(t *testing.T) {
	t.Parallel()

	s := NewLogSink(nil)
	got, err := s.Accept(context.Background(), "item")
	require.NoError(t, err)
	assert.Equal(t, "item", got)
	require.NoError(t, s.Close())
}
