package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// RequestProcessor inspects a request on its way to the network.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *crawler.Request) (Action, error)
}

// ResponseProcessor inspects a response on its way back to the engine.
type ResponseProcessor interface {
	ProcessResponse(ctx context.Context, req *crawler.Request, resp *crawler.Response) (Action, error)
}

// ExceptionProcessor may recover from a download or hook error. Returning
// Continue leaves the error to the next hook.
type ExceptionProcessor interface {
	ProcessException(ctx context.Context, req *crawler.Request, err error) (Action, error)
}

// FetchFunc performs the actual download.
type FetchFunc func(ctx context.Context, req *crawler.Request) (*crawler.Response, error)

type downloaderHook struct {
	name string
	req  RequestProcessor
	resp ResponseProcessor
	exc  ExceptionProcessor
}

// DownloaderChain runs downloader hooks around a fetch. Request hooks run in
// order; response and exception hooks run in reverse.
type DownloaderChain struct {
	hooks []downloaderHook
}

// NewDownloaderChain builds a chain from hooks, which run in the given
// order on the way out.
func NewDownloaderChain(hooks ...any) (*DownloaderChain, error) {
	c := &DownloaderChain{hooks: make([]downloaderHook, 0, len(hooks))}
	for i, h := range hooks {
		dh := downloaderHook{name: hookName(h)}
		dh.req, _ = h.(RequestProcessor)
		dh.resp, _ = h.(ResponseProcessor)
		dh.exc, _ = h.(ExceptionProcessor)
		if dh.req == nil && dh.resp == nil && dh.exc == nil {
			return nil, fmt.Errorf("downloader hook %d (%s) implements no downloader capability", i, dh.name)
		}
		c.hooks = append(c.hooks, dh)
	}
	return c, nil
}

// Names lists the hooks in forward order.
func (c *DownloaderChain) Names() []string {
	out := make([]string, len(c.hooks))
	for i, h := range c.hooks {
		out[i] = h.name
	}
	return out
}

// Execute runs req through the chain, calling fetch unless a request hook
// answers first.
func (c *DownloaderChain) Execute(ctx context.Context, req *crawler.Request, fetch FetchFunc) Outcome {
	last := len(c.hooks) - 1
	for i, h := range c.hooks {
		if h.req == nil {
			continue
		}
		act, err := h.req.ProcessRequest(ctx, req)
		if err != nil {
			if errors.Is(err, crawler.ErrIgnoreRequest) {
				return ignoreOutcome(req)
			}
			// Only the hooks that already passed the request on see the error.
			return c.unwind(ctx, req, i-1, nil, fmt.Errorf("%s: process request: %w", h.name, err))
		}
		switch act.kind {
		case actionResponse:
			return c.unwind(ctx, req, last, act.response, nil)
		case actionRequest:
			return rescheduleOutcome(act.request)
		case actionIgnore:
			return ignoreOutcome(req)
		}
	}
	resp, err := fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("transport returned neither response nor error")
	}
	return c.unwind(ctx, req, last, resp, err)
}

// unwind walks hooks from index pos down to 0 carrying either a response
// or an error. A response switches to exception handling when a response
// hook fails; an exception hook that substitutes a response switches back.
// A close request ends the walk without reaching exception hooks.
func (c *DownloaderChain) unwind(ctx context.Context, req *crawler.Request, pos int, resp *crawler.Response, err error) Outcome {
	for i := pos; i >= 0; i-- {
		if cs, ok := crawler.AsCloseSpider(err); ok {
			return closeOutcome(req, cs)
		}
		h := c.hooks[i]
		var (
			act  Action
			herr error
		)
		switch {
		case err != nil && h.exc != nil:
			act, herr = h.exc.ProcessException(ctx, req, err)
		case err == nil && h.resp != nil:
			act, herr = h.resp.ProcessResponse(ctx, req, resp)
		default:
			continue
		}
		if herr != nil {
			if errors.Is(herr, crawler.ErrIgnoreRequest) {
				return ignoreOutcome(req)
			}
			resp, err = nil, fmt.Errorf("%s: %w", h.name, herr)
			continue
		}
		switch act.kind {
		case actionResponse:
			resp, err = act.response, nil
		case actionRequest:
			return rescheduleOutcome(act.request)
		case actionIgnore:
			return ignoreOutcome(req)
		}
	}
	if err != nil {
		if cs, ok := crawler.AsCloseSpider(err); ok {
			return closeOutcome(req, cs)
		}
		if errors.Is(err, crawler.ErrIgnoreRequest) {
			return ignoreOutcome(req)
		}
		return failureOutcome(req, err)
	}
	return responseOutcome(resp)
}

// Namer lets a hook choose how it appears in logs and errors.
type Namer interface {
	Name() string
}

func hookName(h any) string {
	if n, ok := h.(Namer); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}
