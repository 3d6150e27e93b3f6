// Package config loads and validates crawl settings via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport names.
const (
	TransportHTTP  = "http"
	TransportColly = "colly"
)

// Priority queue flavors.
const (
	QueueDownloaderAware = "downloader_aware"
	QueuePriority        = "priority"
)

// Settings captures every crawl knob loaded via Viper.
type Settings struct {
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	HTTPCache HTTPCacheConfig `mapstructure:"httpcache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
	Output    OutputConfig    `mapstructure:"output"`
}

// CrawlerConfig governs concurrency, politeness and download limits.
type CrawlerConfig struct {
	ConcurrentRequests          int           `mapstructure:"concurrent_requests"`
	ConcurrentRequestsPerDomain int           `mapstructure:"concurrent_requests_per_domain"`
	ConcurrentRequestsPerIP     int           `mapstructure:"concurrent_requests_per_ip"`
	DownloadDelay               time.Duration `mapstructure:"download_delay"`
	RandomizeDownloadDelay      bool          `mapstructure:"randomize_download_delay"`
	DownloadTimeout             time.Duration `mapstructure:"download_timeout"`
	DownloadMaxSize             int64         `mapstructure:"download_maxsize"`
	DownloadWarnSize            int64         `mapstructure:"download_warnsize"`
	DownloadFailOnDataLoss      bool          `mapstructure:"download_fail_on_dataloss"`
	ScraperSlotMaxActiveSize    int64         `mapstructure:"scraper_slot_max_active_size"`
	UserAgent                   string        `mapstructure:"user_agent"`
	StartURLs                   []string      `mapstructure:"start_urls"`
	AllowedDomains              []string      `mapstructure:"allowed_domains"`
	BlockedDomains              []string      `mapstructure:"blocked_domains"`
	DepthLimit                  int           `mapstructure:"depth_limit"`
	DepthPriority               int           `mapstructure:"depth_priority"`
	IdleCheckInterval           time.Duration `mapstructure:"idle_check_interval"`
	Transport                   string        `mapstructure:"transport"`
}

// SchedulerConfig controls persistence and queue ordering.
type SchedulerConfig struct {
	JobDir                    string   `mapstructure:"jobdir"`
	PriorityQueue             string   `mapstructure:"priority_queue"`
	LIFO                      bool     `mapstructure:"lifo"`
	Debug                     bool     `mapstructure:"debug"`
	DupefilterDebug           bool     `mapstructure:"dupefilter_debug"`
	FingerprintIncludeHeaders []string `mapstructure:"fingerprint_include_headers"`
}

// RetryConfig configures the retry middleware.
type RetryConfig struct {
	Enabled        bool  `mapstructure:"enabled"`
	Times          int   `mapstructure:"times"`
	HTTPCodes      []int `mapstructure:"http_codes"`
	PriorityAdjust int   `mapstructure:"priority_adjust"`
}

// RobotsConfig toggles robots.txt enforcement.
type RobotsConfig struct {
	Obey bool `mapstructure:"obey"`
}

// HTTPCacheConfig configures the filesystem response cache.
type HTTPCacheConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Dir             string        `mapstructure:"dir"`
	Expiration      time.Duration `mapstructure:"expiration"`
	IgnoreHTTPCodes []int         `mapstructure:"ignore_http_codes"`
	IgnoreSchemes   []string      `mapstructure:"ignore_schemes"`
	IgnoreMissing   bool          `mapstructure:"ignore_missing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// APIConfig controls the optional status server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// OutputConfig selects the item sink.
type OutputConfig struct {
	Path string `mapstructure:"path"`
}

// Load builds Settings from disk/environment.
func Load(path string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}

	return cfg, nil
}

// Default returns Settings populated only from defaults.
func Default() Settings {
	v := viper.New()
	setDefaults(v)
	var cfg Settings
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.concurrent_requests", 16)
	v.SetDefault("crawler.concurrent_requests_per_domain", 8)
	v.SetDefault("crawler.concurrent_requests_per_ip", 0)
	v.SetDefault("crawler.download_delay", "0s")
	v.SetDefault("crawler.randomize_download_delay", true)
	v.SetDefault("crawler.download_timeout", "180s")
	v.SetDefault("crawler.download_maxsize", 1024*1024*1024)
	v.SetDefault("crawler.download_warnsize", 32*1024*1024)
	v.SetDefault("crawler.download_fail_on_dataloss", true)
	v.SetDefault("crawler.scraper_slot_max_active_size", 5000000)
	v.SetDefault("crawler.user_agent", "crawlcore/0.1")
	v.SetDefault("crawler.start_urls", []string{})
	v.SetDefault("crawler.allowed_domains", []string{})
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.depth_limit", 0)
	v.SetDefault("crawler.depth_priority", 0)
	v.SetDefault("crawler.idle_check_interval", "5s")
	v.SetDefault("crawler.transport", TransportHTTP)
	v.SetDefault("scheduler.jobdir", "")
	v.SetDefault("scheduler.priority_queue", QueueDownloaderAware)
	v.SetDefault("scheduler.lifo", false)
	v.SetDefault("scheduler.debug", false)
	v.SetDefault("scheduler.dupefilter_debug", false)
	v.SetDefault("scheduler.fingerprint_include_headers", []string{})
	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.times", 2)
	v.SetDefault("retry.http_codes", []int{500, 502, 503, 504, 522, 524, 408, 429})
	v.SetDefault("retry.priority_adjust", -1)
	v.SetDefault("robots.obey", false)
	v.SetDefault("httpcache.enabled", false)
	v.SetDefault("httpcache.dir", "httpcache")
	v.SetDefault("httpcache.expiration", "0s")
	v.SetDefault("httpcache.ignore_http_codes", []int{})
	v.SetDefault("httpcache.ignore_schemes", []string{"file"})
	v.SetDefault("httpcache.ignore_missing", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.addr", ":6080")
	v.SetDefault("output.path", "")
}

// Validate enforces required values and reasonable limits.
func (c Settings) Validate() error {
	if c.Crawler.ConcurrentRequests <= 0 {
		return fmt.Errorf("crawler.concurrent_requests must be > 0")
	}
	if c.Crawler.ConcurrentRequestsPerDomain <= 0 {
		return fmt.Errorf("crawler.concurrent_requests_per_domain must be > 0")
	}
	if c.Crawler.ConcurrentRequestsPerIP < 0 {
		return fmt.Errorf("crawler.concurrent_requests_per_ip must be >= 0")
	}
	if c.Crawler.DownloadDelay < 0 {
		return fmt.Errorf("crawler.download_delay must be >= 0")
	}
	if c.Crawler.DownloadTimeout <= 0 {
		return fmt.Errorf("crawler.download_timeout must be > 0")
	}
	if c.Crawler.DownloadMaxSize < 0 || c.Crawler.DownloadWarnSize < 0 {
		return fmt.Errorf("crawler.download_maxsize and crawler.download_warnsize must be >= 0")
	}
	if c.Crawler.ScraperSlotMaxActiveSize <= 0 {
		return fmt.Errorf("crawler.scraper_slot_max_active_size must be > 0")
	}
	if c.Crawler.DepthLimit < 0 {
		return fmt.Errorf("crawler.depth_limit must be >= 0")
	}
	if c.Crawler.IdleCheckInterval <= 0 {
		return fmt.Errorf("crawler.idle_check_interval must be > 0")
	}
	switch c.Crawler.Transport {
	case TransportHTTP, TransportColly:
	default:
		return fmt.Errorf("crawler.transport must be %q or %q", TransportHTTP, TransportColly)
	}
	switch c.Scheduler.PriorityQueue {
	case QueueDownloaderAware, QueuePriority:
	default:
		return fmt.Errorf("scheduler.priority_queue must be %q or %q", QueueDownloaderAware, QueuePriority)
	}
	if c.Retry.Times < 0 {
		return fmt.Errorf("retry.times must be >= 0")
	}
	if c.HTTPCache.Expiration < 0 {
		return fmt.Errorf("httpcache.expiration must be >= 0")
	}
	if c.HTTPCache.Enabled && strings.TrimSpace(c.HTTPCache.Dir) == "" {
		return fmt.Errorf("httpcache.dir must be set when httpcache is enabled")
	}
	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr must be set when api is enabled")
	}
	return nil
}

// DownloaderAware reports whether the scheduler should balance slots by
// in-flight downloads.
func (c Settings) DownloaderAware() bool {
	return c.Scheduler.PriorityQueue == QueueDownloaderAware
}
