// Package stats collects crawl counters (requests scheduled, responses by
// status, items scraped, ...) keyed by slash-separated names.
package stats

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector is a concurrency-safe key/value stats store. Numeric values
// can also be scraped by Prometheus as the crawl_stat gauge.
type Collector struct {
	mu     sync.Mutex
	values map[string]any
	desc   *prometheus.Desc
}

// New builds an empty Collector.
func New() *Collector {
	return &Collector{
		values: make(map[string]any),
		desc: prometheus.NewDesc(
			"crawl_stat",
			"Numeric crawl stats, labeled by stat key.",
			[]string{"key"}, nil,
		),
	}
}

// Inc adds delta to an integer stat.
func (c *Collector) Inc(key string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, _ := c.values[key].(int64)
	c.values[key] = cur + delta
}

// Set overwrites a stat.
func (c *Collector) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Max keeps the larger of the stored and the given value.
func (c *Collector) Max(key string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.values[key].(int64); !ok || value > cur {
		c.values[key] = value
	}
}

// Min keeps the smaller of the stored and the given value.
func (c *Collector) Min(key string, value int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.values[key].(int64); !ok || value < cur {
		c.values[key] = value
	}
}

// Get returns a stat.
func (c *Collector) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Int returns an integer stat, or 0.
func (c *Collector) Int(key string) int64 {
	v, _ := c.Get(key)
	n, _ := v.(int64)
	return n
}

// Snapshot copies all stats.
func (c *Collector) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.values)
}

// Dump logs every stat in key order.
func (c *Collector) Dump(logger *zap.Logger) {
	snap := c.Snapshot()
	fields := make([]zap.Field, 0, len(snap))
	for _, k := range slices.Sorted(maps.Keys(snap)) {
		fields = append(fields, zap.Any(k, snap[k]))
	}
	logger.Info("dumping crawl stats", fields...)
}

// Describe implements prometheus.Collector. Stat keys are open-ended, so
// the collector is unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for key, v := range c.Snapshot() {
		var f float64
		switch n := v.(type) {
		case int64:
			f = float64(n)
		case int:
			f = float64(n)
		case float64:
			f = n
		case time.Time:
			f = float64(n.Unix())
		default:
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, f, key)
	}
}
