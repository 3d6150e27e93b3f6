package crawler

import (
	"encoding/json"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Well-known meta keys.
const (
	MetaDepth            = "depth"
	MetaRetryTimes       = "retry_times"
	MetaMaxRetryTimes    = "max_retry_times"
	MetaDontRetry        = "dont_retry"
	MetaDownloadSlot     = "download_slot"
	MetaDownloadTimeout  = "download_timeout"
	MetaDownloadMaxSize  = "download_maxsize"
	MetaDownloadWarnSize = "download_warnsize"
	MetaFailOnDataLoss   = "download_fail_on_dataloss"
	MetaDontObeyRobots   = "dont_obey_robotstxt"
	MetaDontCache        = "dont_cache"
)

// RequestOption customizes a request built by NewRequest.
type RequestOption func(*Request)

// NewRequest builds a GET request for rawURL.
func NewRequest(rawURL string, opts ...RequestOption) *Request {
	r := &Request{
		URL:     rawURL,
		Method:  http.MethodGet,
		Headers: http.Header{},
		Meta:    map[string]any{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Method = strings.ToUpper(r.Method)
	return r
}

// WithMethod sets the HTTP method.
func WithMethod(method string) RequestOption {
	return func(r *Request) { r.Method = method }
}

// WithBody sets the request body.
func WithBody(body []byte) RequestOption {
	return func(r *Request) { r.Body = body }
}

// WithPriority sets the scheduling priority.
func WithPriority(p int) RequestOption {
	return func(r *Request) { r.Priority = p }
}

// WithCallback names the spider callback that consumes the response.
func WithCallback(name string) RequestOption {
	return func(r *Request) { r.Callback = name }
}

// WithErrback names the spider errback that consumes failures.
func WithErrback(name string) RequestOption {
	return func(r *Request) { r.Errback = name }
}

// WithDontFilter bypasses the duplicate filter.
func WithDontFilter() RequestOption {
	return func(r *Request) { r.DontFilter = true }
}

// WithHeader adds a header value.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) { r.Headers.Add(key, value) }
}

// WithMetaValue stores a meta entry.
func WithMetaValue(key string, value any) RequestOption {
	return func(r *Request) { r.Meta[key] = value }
}

// Clone returns a copy whose headers, body, meta and flags can be changed
// without touching the original.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Headers = r.Headers.Clone()
	if cp.Headers == nil {
		cp.Headers = http.Header{}
	}
	cp.Body = slices.Clone(r.Body)
	cp.Meta = maps.Clone(r.Meta)
	if cp.Meta == nil {
		cp.Meta = map[string]any{}
	}
	cp.Flags = slices.Clone(r.Flags)
	return &cp
}

// Replace clones the request and applies fn to the copy.
func (r *Request) Replace(fn func(*Request)) *Request {
	cp := r.Clone()
	if fn != nil {
		fn(cp)
	}
	return cp
}

// WithMeta returns a copy with a single meta entry set.
func (r *Request) WithMeta(key string, value any) *Request {
	return r.Replace(func(cp *Request) { cp.Meta[key] = value })
}

// Host returns the lowercased hostname, or "" if the URL does not parse.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// MetaInt reads an integer meta value. Values decoded from a job directory
// arrive as json.Number or float64, so those are accepted too.
func (r *Request) MetaInt(key string) (int, bool) {
	if r == nil || r.Meta == nil {
		return 0, false
	}
	switch v := r.Meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// MetaBool reads a boolean meta value.
func (r *Request) MetaBool(key string) bool {
	if r == nil || r.Meta == nil {
		return false
	}
	b, ok := r.Meta[key].(bool)
	return ok && b
}

// MetaString reads a string meta value.
func (r *Request) MetaString(key string) string {
	if r == nil || r.Meta == nil {
		return ""
	}
	s, _ := r.Meta[key].(string)
	return s
}

// MetaDuration reads a duration meta value. Numbers are taken as seconds.
func (r *Request) MetaDuration(key string) (time.Duration, bool) {
	if r == nil || r.Meta == nil {
		return 0, false
	}
	switch v := r.Meta[key].(type) {
	case time.Duration:
		return v, true
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil
	}
	if n, ok := r.metaFloat(key); ok {
		return time.Duration(n * float64(time.Second)), true
	}
	return 0, false
}

func (r *Request) metaFloat(key string) (float64, bool) {
	switch v := r.Meta[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
