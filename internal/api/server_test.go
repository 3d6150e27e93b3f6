package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/engine"
	"github.com/JakeFAU/crawlcore/internal/stats"
)

type fakeCrawl struct {
	mu     sync.Mutex
	state  engine.State
	closed []string
}

func (f *fakeCrawl) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCrawl) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, reason)
	f.state = engine.StateClosing
}

func newTestServer(t *testing.T, state engine.State) (*Server, *fakeCrawl, *stats.Collector, *prometheus.Registry) {
	t.Helper()
	crawl := &fakeCrawl{state: state}
	st := stats.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(st))
	srv, err := NewServer(crawl, st, uuid.New(), reg, zap.NewNop())
	require.NoError(t, err)
	return srv, crawl, st, reg
}

func do(srv *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestProbes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		state engine.State
		ready int
	}{
		{engine.StateOpening, http.StatusServiceUnavailable},
		{engine.StateRunning, http.StatusOK},
		{engine.StateClosing, http.StatusServiceUnavailable},
	}
	for _, tc := range testCases {
		t.Run(tc.state.String(), func(t *testing.T) {
			t.Parallel()
			srv, _, _, _ := newTestServer(t, tc.state)
			assert.Equal(t, http.StatusOK, do(srv, http.MethodGet, "/healthz").Code)
			rec := do(srv, http.MethodGet, "/readyz")
			assert.Equal(t, tc.ready, rec.Code)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestStats(t *testing.T) {
	t.Parallel()

	srv, _, st, _ := newTestServer(t, engine.StateRunning)
	st.Inc("downloader/request_count", 3)

	rec := do(srv, http.MethodGet, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		State string         `json:"state"`
		Stats map[string]any `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body.State)
	assert.InDelta(t, 3, body.Stats["downloader/request_count"], 0)
}

func TestClose(t *testing.T) {
	t.Parallel()

	srv, crawl, _, _ := newTestServer(t, engine.StateRunning)
	rec := do(srv, http.MethodPost, "/v1/close")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{CloseReason}, crawl.closed)

	rec = do(srv, http.MethodPost, "/v1/close")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Len(t, crawl.closed, 1)

	assert.Equal(t, http.StatusMethodNotAllowed, do(srv, http.MethodGet, "/v1/close").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, st, reg := newTestServer(t, engine.StateRunning)
	st.Inc("item_scraped_count", 2)
	do(srv, http.MethodGet, "/healthz")

	rec := do(srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `crawl_stat{key="item_scraped_count"} 2`)

	expected := `
# HELP crawl_api_requests_total Status API requests by method, route and status code.
# TYPE crawl_api_requests_total counter
crawl_api_requests_total{code="200",method="GET",route="/healthz"} 1
crawl_api_requests_total{code="200",method="GET",route="/metrics"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "crawl_api_requests_total"))
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewServer(&fakeCrawl{}, stats.New(), uuid.New(), reg, nil)
	require.NoError(t, err)
	_, err = NewServer(&fakeCrawl{}, stats.New(), uuid.New(), reg, nil)
	require.Error(t, err)
}

func TestRequestIDPassthrough(t *testing.T) {
	t.Parallel()

	srv, _, _, _ := newTestServer(t, engine.StateRunning)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}
