package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
)

type requestRecord struct {
	URL        string         `json:"url"`
	Method     string         `json:"method"`
	Headers    http.Header    `json:"headers,omitempty"`
	Body       []byte         `json:"body,omitempty"`
	Priority   int            `json:"priority"`
	Callback   string         `json:"callback,omitempty"`
	Errback    string         `json:"errback,omitempty"`
	DontFilter bool           `json:"dont_filter,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	Flags      []string       `json:"flags,omitempty"`
}

// EncodeRequest serializes a request for durable storage. Function
// callbacks and meta values JSON cannot represent yield ErrUnserializable.
func EncodeRequest(r *Request) ([]byte, error) {
	if r.CallbackFunc != nil || r.ErrbackFunc != nil {
		return nil, fmt.Errorf("%w: function callback on %s", ErrUnserializable, r.URL)
	}
	data, err := json.Marshal(requestRecord{
		URL:        r.URL,
		Method:     r.Method,
		Headers:    r.Headers,
		Body:       r.Body,
		Priority:   r.Priority,
		Callback:   r.Callback,
		Errback:    r.Errback,
		DontFilter: r.DontFilter,
		Meta:       r.Meta,
		Flags:      r.Flags,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnserializable, err)
	}
	return data, nil
}

// DecodeRequest restores a request written by EncodeRequest. Numeric meta
// values come back as json.Number; use the Meta* accessors to read them.
func DecodeRequest(data []byte) (*Request, error) {
	var rec requestRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	r := &Request{
		URL:        rec.URL,
		Method:     rec.Method,
		Headers:    rec.Headers,
		Body:       rec.Body,
		Priority:   rec.Priority,
		Callback:   rec.Callback,
		Errback:    rec.Errback,
		DontFilter: rec.DontFilter,
		Meta:       rec.Meta,
		Flags:      rec.Flags,
	}
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	if r.Meta == nil {
		r.Meta = map[string]any{}
	}
	return r, nil
}
