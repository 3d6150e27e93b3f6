package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlcore/internal/events"
)

// PrometheusSink exports crawl counters. It owns every collector it
// registers.
type PrometheusSink struct {
	scheduled     prometheus.Counter
	dropped       prometheus.Counter
	responses     *prometheus.CounterVec
	responseBytes *prometheus.CounterVec
	items         *prometheus.CounterVec
	running       prometheus.Gauge

	mu   sync.Mutex
	runs map[uuid.UUID]struct{}
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		scheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_requests_scheduled_total",
			Help: "Requests accepted by the scheduler.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_requests_dropped_total",
			Help: "Requests dropped as duplicates, vetoed or ignored.",
		}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_responses_total",
			Help: "Responses received partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		responseBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_response_bytes_total",
			Help: "Response body bytes per site.",
		}, []string{"site"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_items_total",
			Help: "Items produced partitioned by result.",
		}, []string{"result"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_runs_running",
			Help: "Crawl runs currently open.",
		}),
		runs: make(map[uuid.UUID]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.scheduled,
		s.dropped,
		s.responses,
		s.responseBytes,
		s.items,
		s.running,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register crawl collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Kind {
	case events.KindCrawlStart:
		if s.track(evt.CrawlID, true) {
			s.running.Inc()
		}
	case events.KindCrawlDone:
		if s.track(evt.CrawlID, false) {
			s.running.Dec()
		}
	case events.KindRequestScheduled:
		s.scheduled.Inc()
	case events.KindRequestDropped:
		s.dropped.Inc()
	case events.KindResponse:
		s.responses.WithLabelValues(evt.Site, string(evt.StatusClass)).Inc()
		if evt.Bytes > 0 {
			s.responseBytes.WithLabelValues(evt.Site).Add(float64(evt.Bytes))
		}
	case events.KindItemScraped:
		s.items.WithLabelValues("scraped").Inc()
	case events.KindItemDropped:
		s.items.WithLabelValues("dropped").Inc()
	case events.KindItemError:
		s.items.WithLabelValues("error").Inc()
	}
}

// track records a run opening or closing and reports whether the running
// set changed.
func (s *PrometheusSink) track(id uuid.UUID, open bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[id]
	if open {
		if ok {
			return false
		}
		s.runs[id] = struct{}{}
		return true
	}
	if !ok {
		return false
	}
	delete(s.runs, id)
	return true
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
