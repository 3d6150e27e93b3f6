package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/events"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := uuid.New()
	now := time.Now()
	batch := []events.Event{
		{CrawlID: id, TS: now, Kind: events.KindCrawlStart},
		{CrawlID: id, TS: now, Kind: events.KindCrawlStart},
		{CrawlID: id, TS: now, Kind: events.KindRequestScheduled, URL: "http://a.test/"},
		{CrawlID: id, TS: now, Kind: events.KindRequestDropped, URL: "http://a.test/"},
		{CrawlID: id, TS: now, Kind: events.KindResponse, Site: "a.test", Status: 200, StatusClass: events.Status2xx, Bytes: 512},
		{CrawlID: id, TS: now, Kind: events.KindItemScraped},
		{CrawlID: id, TS: now, Kind: events.KindItemDropped},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.running))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.scheduled))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.dropped))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.responses.WithLabelValues("a.test", "2xx")), 1e-9)
	require.InDelta(t, 512.0, testutil.ToFloat64(sink.responseBytes.WithLabelValues("a.test")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("scraped")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.items.WithLabelValues("dropped")))

	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{CrawlID: id, TS: now, Kind: events.KindCrawlDone, Note: "finished"},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.running))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	sink := NewLogSink(zap.NewNop())
	require.NoError(t, sink.Consume(context.Background(), []events.Event{
		{CrawlID: uuid.New(), TS: time.Now(), Kind: events.KindResponse, URL: "http://a.test/", Status: 404},
	}))
	require.NoError(t, sink.Close(context.Background()))
}
