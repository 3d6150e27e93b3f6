package crawler

import (
	"context"
	"fmt"
)

// Spider supplies the start requests and the default response callback.
type Spider interface {
	Name() string
	// StartRequests returns the lazy, possibly unbounded request source.
	StartRequests(ctx context.Context) Results
	// Parse is used for responses whose request names no callback.
	Parse(ctx context.Context, resp *Response) Results
}

// CallbackSpider resolves callbacks and errbacks referenced by name, which
// is how requests restored from a job directory find their handlers.
type CallbackSpider interface {
	Spider
	Callback(name string) (CallbackFunc, bool)
	Errback(name string) (ErrbackFunc, bool)
}

// StatefulSpider persists key-value state across paused runs.
type StatefulSpider interface {
	Spider
	State() map[string]any
	SetState(state map[string]any)
}

// Transport performs one network exchange.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ItemSink accepts scraped items. Returning a *DropItem rejects the item;
// any other error is reported as an item error.
type ItemSink interface {
	Accept(ctx context.Context, item Item) (Item, error)
}

// ResolveCallback finds the callback for req on sp.
func ResolveCallback(sp Spider, req *Request) (CallbackFunc, error) {
	if req.CallbackFunc != nil {
		return req.CallbackFunc, nil
	}
	if req.Callback == "" {
		return sp.Parse, nil
	}
	if cs, ok := sp.(CallbackSpider); ok {
		if fn, found := cs.Callback(req.Callback); found {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("spider %s has no callback %q", sp.Name(), req.Callback)
}

// ResolveErrback finds the errback for req on sp; nil means none is set.
func ResolveErrback(sp Spider, req *Request) (ErrbackFunc, error) {
	if req.ErrbackFunc != nil {
		return req.ErrbackFunc, nil
	}
	if req.Errback == "" {
		return nil, nil
	}
	if cs, ok := sp.(CallbackSpider); ok {
		if fn, found := cs.Errback(req.Errback); found {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("spider %s has no errback %q", sp.Name(), req.Errback)
}

// HasErrback reports whether req names or carries an errback.
func (r *Request) HasErrback() bool {
	return r.ErrbackFunc != nil || r.Errback != ""
}
