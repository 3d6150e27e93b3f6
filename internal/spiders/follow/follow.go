// Package follow is a small link-following spider: it records one item per
// HTML page and follows anchors that stay inside the allowed domains.
package follow

import (
	"bytes"
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

const maxLinksPerPage = 200

// Page is the item yielded for every HTML response.
type Page struct {
	URL    string `json:"url"`
	Status int    `json:"status"`
	Title  string `json:"title"`
}

// Config lists where to start and where to stay.
type Config struct {
	StartURLs      []string
	AllowedDomains []string
}

// Spider implements crawler.StatefulSpider.
type Spider struct {
	cfg     Config
	allowed map[string]struct{}
	logger  *zap.Logger

	mu    sync.Mutex
	pages int64
}

// New builds a Spider. With no allowed domains, the hosts of the start URLs
// are used.
func New(cfg Config, logger *zap.Logger) *Spider {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]struct{})
	domains := cfg.AllowedDomains
	if len(domains) == 0 {
		for _, raw := range cfg.StartURLs {
			if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
				domains = append(domains, u.Hostname())
			}
		}
	}
	for _, d := range domains {
		allowed[strings.ToLower(strings.TrimPrefix(d, "www."))] = struct{}{}
	}
	return &Spider{cfg: cfg, allowed: allowed, logger: logger.Named("follow")}
}

// Name implements crawler.Spider.
func (s *Spider) Name() string { return "follow" }

// StartRequests implements crawler.Spider.
func (s *Spider) StartRequests(context.Context) crawler.Results {
	reqs := make([]*crawler.Request, 0, len(s.cfg.StartURLs))
	for _, raw := range s.cfg.StartURLs {
		reqs = append(reqs, crawler.NewRequest(raw))
	}
	return crawler.Requests(reqs...)
}

// Parse implements crawler.Spider.
func (s *Spider) Parse(_ context.Context, resp *crawler.Response) crawler.Results {
	if !isHTML(resp) {
		return crawler.Empty()
	}
	base, err := url.Parse(resp.URL)
	if err != nil {
		return crawler.Fail(err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		s.logger.Debug("html parse failed", zap.String("url", resp.URL), zap.Error(err))
		return crawler.Empty()
	}
	s.mu.Lock()
	s.pages++
	s.mu.Unlock()

	page := Page{
		URL:    resp.URL,
		Status: resp.Status,
		Title:  strings.TrimSpace(doc.Find("title").First().Text()),
	}
	links := s.links(doc, base)
	return func(yield func(crawler.Output, error) bool) {
		if !yield(crawler.Output{Item: page}, nil) {
			return
		}
		for _, link := range links {
			if !yield(crawler.Output{Request: crawler.NewRequest(link)}, nil) {
				return
			}
		}
	}
}

func (s *Spider) links(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		if !s.allows(u) {
			return true
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, key)
		return len(links) < maxLinksPerPage
	})
	return links
}

func (s *Spider) allows(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for {
		if _, ok := s.allowed[strings.TrimPrefix(host, "www.")]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
}

func isHTML(resp *crawler.Response) bool {
	ct := resp.Headers.Get("Content-Type")
	if ct == "" {
		return bytes.Contains(bytes.ToLower(resp.Body[:min(len(resp.Body), 512)]), []byte("<html"))
	}
	return strings.Contains(ct, "html")
}

// State implements crawler.StatefulSpider.
func (s *Spider) State() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"pages": s.pages}
}

// SetState implements crawler.StatefulSpider.
func (s *Spider) SetState(state map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch v := state["pages"].(type) {
	case float64:
		s.pages = int64(v)
	case int64:
		s.pages = v
	}
}

// Pages returns the number of HTML pages parsed, including earlier runs of
// a resumed crawl.
func (s *Spider) Pages() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}
