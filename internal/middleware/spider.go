package middleware

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// SpiderInputProcessor sees each response before the callback. An error
// skips the callback and is handled like one raised by it.
type SpiderInputProcessor interface {
	ProcessSpiderInput(ctx context.Context, resp *crawler.Response) error
}

// SpiderOutputProcessor transforms the stream a callback yields.
type SpiderOutputProcessor interface {
	ProcessSpiderOutput(ctx context.Context, resp *crawler.Response, in crawler.Results) crawler.Results
}

// SpiderExceptionProcessor may recover from an error raised by the
// callback or by a hook closer to it. Returning handled=true stops
// propagation; the returned results continue through the remaining output
// hooks.
type SpiderExceptionProcessor interface {
	ProcessSpiderException(ctx context.Context, resp *crawler.Response, err error) (out crawler.Results, handled bool)
}

// StartRequestsProcessor transforms the start request stream.
type StartRequestsProcessor interface {
	ProcessStartRequests(ctx context.Context, in crawler.Results) crawler.Results
}

type spiderHook struct {
	name  string
	in    SpiderInputProcessor
	out   SpiderOutputProcessor
	exc   SpiderExceptionProcessor
	start StartRequestsProcessor
}

// SpiderChain runs spider hooks around callbacks. Input and start hooks run
// in order; output and exception hooks run in reverse.
type SpiderChain struct {
	hooks []spiderHook
}

// NewSpiderChain builds a chain from hooks.
func NewSpiderChain(hooks ...any) (*SpiderChain, error) {
	c := &SpiderChain{hooks: make([]spiderHook, 0, len(hooks))}
	for i, h := range hooks {
		sh := spiderHook{name: hookName(h)}
		sh.in, _ = h.(SpiderInputProcessor)
		sh.out, _ = h.(SpiderOutputProcessor)
		sh.exc, _ = h.(SpiderExceptionProcessor)
		sh.start, _ = h.(StartRequestsProcessor)
		if sh.in == nil && sh.out == nil && sh.exc == nil && sh.start == nil {
			return nil, fmt.Errorf("spider hook %d (%s) implements no spider capability", i, sh.name)
		}
		c.hooks = append(c.hooks, sh)
	}
	return c, nil
}

// StartRequests passes the start stream through every start hook.
func (c *SpiderChain) StartRequests(ctx context.Context, in crawler.Results) crawler.Results {
	for _, h := range c.hooks {
		if h.start != nil {
			in = h.start.ProcessStartRequests(ctx, in)
		}
	}
	return in
}

// Scrape runs resp through the input hooks, then callback, then the output
// hooks. Errors that no exception hook handles surface in the stream.
func (c *SpiderChain) Scrape(ctx context.Context, resp *crawler.Response, callback crawler.CallbackFunc) crawler.Results {
	var out crawler.Results
	for _, h := range c.hooks {
		if h.in == nil {
			continue
		}
		if err := h.in.ProcessSpiderInput(ctx, resp); err != nil {
			out = crawler.Fail(fmt.Errorf("%s: %w", h.name, err))
			break
		}
	}
	if out == nil {
		out = callback(ctx, resp)
		if out == nil {
			out = crawler.Empty()
		}
	}
	for i := len(c.hooks) - 1; i >= 0; i-- {
		out = c.level(ctx, resp, c.hooks[i], out)
	}
	return out
}

// level applies one hook to the stream coming from the hooks closer to the
// callback. Errors in that stream go to the hook's exception processor and
// never reach its output processor.
func (c *SpiderChain) level(ctx context.Context, resp *crawler.Response, h spiderHook, in crawler.Results) crawler.Results {
	if h.out == nil && h.exc == nil {
		return in
	}
	return func(yield func(crawler.Output, error) bool) {
		stopped := false
		emit := func(o crawler.Output, err error) bool {
			if stopped {
				return false
			}
			if !yield(o, err) {
				stopped = true
			}
			return !stopped
		}
		handle := func(err error) bool {
			if h.exc != nil {
				if res, handled := h.exc.ProcessSpiderException(ctx, resp, err); handled {
					if res == nil {
						return true
					}
					for o, e := range res {
						if !emit(o, e) {
							return false
						}
					}
					return true
				}
			}
			return emit(crawler.Output{}, err)
		}
		if h.out == nil {
			for o, err := range in {
				if err != nil {
					if !handle(err) {
						return
					}
					continue
				}
				if !emit(o, nil) {
					return
				}
			}
			return
		}
		filtered := func(inner func(crawler.Output, error) bool) {
			for o, err := range in {
				if stopped {
					return
				}
				if err != nil {
					if !handle(err) {
						return
					}
					continue
				}
				if !inner(o, nil) {
					return
				}
			}
		}
		for o, err := range h.out.ProcessSpiderOutput(ctx, resp, filtered) {
			if err != nil {
				err = fmt.Errorf("%s: %w", h.name, err)
			}
			if !emit(o, err) {
				return
			}
		}
	}
}

// Recover runs errback for failure and passes its output through the output
// hooks. Input hooks are skipped; output hooks see a stub response that
// carries only the failed request.
func (c *SpiderChain) Recover(ctx context.Context, failure *crawler.Failure, errback crawler.ErrbackFunc) crawler.Results {
	stub := &crawler.Response{Request: failure.Request}
	if failure.Request != nil {
		stub.URL = failure.Request.URL
	}
	out := errback(ctx, failure)
	if out == nil {
		out = crawler.Empty()
	}
	for i := len(c.hooks) - 1; i >= 0; i-- {
		out = c.level(ctx, stub, c.hooks[i], out)
	}
	return out
}
