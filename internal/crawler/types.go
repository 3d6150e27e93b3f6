package crawler

import (
	"context"
	"iter"
	"net/http"
	"slices"
)

// CallbackFunc consumes a response and lazily yields items and follow-up requests.
type CallbackFunc func(ctx context.Context, resp *Response) Results

// ErrbackFunc consumes a failure and may yield recovery output.
type ErrbackFunc func(ctx context.Context, failure *Failure) Results

// Request describes a single unit of crawl work. Treat it as immutable once
// handed to the engine; derive variants with Replace or Clone.
type Request struct {
	URL        string
	Method     string
	Headers    http.Header
	Body       []byte
	Priority   int
	Callback   string
	Errback    string
	DontFilter bool
	Meta       map[string]any
	Flags      []string

	// CallbackFunc and ErrbackFunc take precedence over the named variants.
	// Requests carrying either cannot be written to a job directory.
	CallbackFunc CallbackFunc
	ErrbackFunc  ErrbackFunc
}

// Response is the result of a network exchange (or a synthetic one produced
// by a middleware).
type Response struct {
	URL     string
	Status  int
	Headers http.Header
	Body    []byte
	Request *Request
	Flags   []string
}

// Failure pairs the request that failed with the cause.
type Failure struct {
	Request *Request
	Err     error
}

func (f *Failure) Error() string {
	if f == nil || f.Err == nil {
		return "crawl failure"
	}
	if f.Request == nil {
		return f.Err.Error()
	}
	return f.Request.Method + " " + f.Request.URL + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Item is an arbitrary scraped record.
type Item any

// Output is a tagged union: exactly one of Item or Request is set.
type Output struct {
	Item    Item
	Request *Request
}

// IsRequest reports whether the output carries a request.
func (o Output) IsRequest() bool {
	return o.Request != nil
}

// Results is a lazy, non-restartable stream of callback output. A non-nil
// error element reports a failure raised while producing the stream; the
// consumer decides whether to keep iterating.
type Results = iter.Seq2[Output, error]

// Yield builds a Results stream over fixed outputs.
func Yield(outputs ...Output) Results {
	return func(yield func(Output, error) bool) {
		for _, out := range outputs {
			if !yield(out, nil) {
				return
			}
		}
	}
}

// Requests wraps requests as Results.
func Requests(reqs ...*Request) Results {
	return func(yield func(Output, error) bool) {
		for _, r := range reqs {
			if !yield(Output{Request: r}, nil) {
				return
			}
		}
	}
}

// Items wraps items as Results.
func Items(items ...Item) Results {
	return func(yield func(Output, error) bool) {
		for _, it := range items {
			if !yield(Output{Item: it}, nil) {
				return
			}
		}
	}
}

// Fail returns a stream that yields a single error.
func Fail(err error) Results {
	return func(yield func(Output, error) bool) {
		yield(Output{}, err)
	}
}

// Empty is a stream with no output.
func Empty() Results {
	return func(func(Output, error) bool) {}
}

// HasFlag reports whether the response carries the flag.
func (r *Response) HasFlag(flag string) bool {
	return r != nil && slices.Contains(r.Flags, flag)
}

// Replace returns a shallow copy of the response with fn applied.
func (r *Response) Replace(fn func(*Response)) *Response {
	cp := *r
	cp.Headers = r.Headers.Clone()
	cp.Flags = slices.Clone(r.Flags)
	if fn != nil {
		fn(&cp)
	}
	return &cp
}
