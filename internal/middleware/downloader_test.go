package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// recorder hooks append "<name>:<phase>" to a shared trace.
type recorder struct {
	name  string
	trace *[]string
	onReq func() (Action, error)
	onRes func(*crawler.Response) (Action, error)
	onExc func(error) (Action, error)
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) ProcessRequest(_ context.Context, _ *crawler.Request) (Action, error) {
	*r.trace = append(*r.trace, r.name+":req")
	if r.onReq != nil {
		return r.onReq()
	}
	return Continue(), nil
}

func (r *recorder) ProcessResponse(_ context.Context, _ *crawler.Request, resp *crawler.Response) (Action, error) {
	*r.trace = append(*r.trace, r.name+":resp")
	if r.onRes != nil {
		return r.onRes(resp)
	}
	return Continue(), nil
}

func (r *recorder) ProcessException(_ context.Context, _ *crawler.Request, err error) (Action, error) {
	*r.trace = append(*r.trace, r.name+":exc")
	if r.onExc != nil {
		return r.onExc(err)
	}
	return Continue(), nil
}

func okFetch(body string) (FetchFunc, *int) {
	calls := 0
	return func(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
		calls++
		return &crawler.Response{URL: req.URL, Status: 200, Body: []byte(body), Request: req}, nil
	}, &calls
}

func buildChain(t *testing.T, hooks ...any) *DownloaderChain {
	t.Helper()
	c, err := NewDownloaderChain(hooks...)
	require.NoError(t, err)
	return c
}

func TestChainSymmetryAndNoOp(t *testing.T) {
	t.Parallel()

	var trace []string
	c := buildChain(t,
		&recorder{name: "1", trace: &trace},
		&recorder{name: "2", trace: &trace},
		&recorder{name: "3", trace: &trace},
	)
	assert.Equal(t, []string{"1", "2", "3"}, c.Names())
	fetch, calls := okFetch("body")
	req := crawler.NewRequest("http://a.test/")

	out := c.Execute(context.Background(), req, fetch)
	require.Equal(t, OutcomeResponse, out.Kind)
	assert.Equal(t, "body", string(out.Response.Body))
	assert.Same(t, req, out.Response.Request)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, []string{"1:req", "2:req", "3:req", "3:resp", "2:resp", "1:resp"}, trace)
}

func TestEmptyChain(t *testing.T) {
	t.Parallel()

	fetch, _ := okFetch("x")
	out := buildChain(t).Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)
	assert.Equal(t, OutcomeResponse, out.Kind)
}

func TestRequestHookResponseSkipsNetwork(t *testing.T) {
	t.Parallel()

	var trace []string
	cached := &crawler.Response{Status: 200, Body: []byte("cached")}
	c := buildChain(t,
		&recorder{name: "1", trace: &trace},
		&recorder{name: "2", trace: &trace, onReq: func() (Action, error) { return WithResponse(cached), nil }},
		&recorder{name: "3", trace: &trace},
	)
	fetch, calls := okFetch("net")
	out := c.Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)

	require.Equal(t, OutcomeResponse, out.Kind)
	assert.Same(t, cached, out.Response)
	assert.Zero(t, *calls)
	assert.Equal(t, []string{"1:req", "2:req", "3:resp", "2:resp", "1:resp"}, trace)
}

func TestRequestHookReschedule(t *testing.T) {
	t.Parallel()

	var trace []string
	replacement := crawler.NewRequest("http://a.test/other")
	c := buildChain(t,
		&recorder{name: "1", trace: &trace, onReq: func() (Action, error) { return WithRequest(replacement), nil }},
		&recorder{name: "2", trace: &trace},
	)
	fetch, calls := okFetch("x")
	out := c.Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)

	require.Equal(t, OutcomeReschedule, out.Kind)
	assert.Same(t, replacement, out.Request)
	assert.Zero(t, *calls)
	assert.Equal(t, []string{"1:req"}, trace)
}

func TestIgnoreRoutesByErrback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		action func() (Action, error)
		req    *crawler.Request
		want   OutcomeKind
	}{
		{"ignore without errback", func() (Action, error) { return Ignore(), nil }, crawler.NewRequest("http://a.test/"), OutcomeIgnoreSilently},
		{"ignore with errback", func() (Action, error) { return Ignore(), nil }, crawler.NewRequest("http://a.test/", crawler.WithErrback("onErr")), OutcomeIgnoreWithErrback},
		{"ignore error", func() (Action, error) { return Action{}, crawler.ErrIgnoreRequest }, crawler.NewRequest("http://a.test/", crawler.WithErrback("onErr")), OutcomeIgnoreWithErrback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var trace []string
			c := buildChain(t, &recorder{name: "1", trace: &trace, onReq: tt.action})
			fetch, _ := okFetch("x")
			out := c.Execute(context.Background(), tt.req, fetch)
			require.Equal(t, tt.want, out.Kind)
			if tt.want == OutcomeIgnoreWithErrback {
				require.ErrorIs(t, out.Err, crawler.ErrIgnoreRequest)
				var f *crawler.Failure
				require.ErrorAs(t, out.Err, &f)
				assert.Same(t, tt.req, f.Request)
			}
		})
	}
}

func TestTransportErrorHandledByException(t *testing.T) {
	t.Parallel()

	var trace []string
	recovered := &crawler.Response{Status: 200, Body: []byte("fallback")}
	c := buildChain(t,
		&recorder{name: "1", trace: &trace},
		&recorder{name: "2", trace: &trace, onExc: func(err error) (Action, error) {
			require.ErrorIs(t, err, crawler.ErrTimeout)
			return WithResponse(recovered), nil
		}},
		&recorder{name: "3", trace: &trace},
	)
	fetch := func(context.Context, *crawler.Request) (*crawler.Response, error) {
		return nil, crawler.ErrTimeout
	}
	out := c.Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)

	require.Equal(t, OutcomeResponse, out.Kind)
	assert.Same(t, recovered, out.Response)
	// Hook 1 sees the substituted response through its response hook.
	assert.Equal(t, []string{"1:req", "2:req", "3:req", "3:exc", "2:exc", "1:resp"}, trace)
}

func TestUnhandledErrorIsFailure(t *testing.T) {
	t.Parallel()

	var trace []string
	c := buildChain(t, &recorder{name: "1", trace: &trace}, &recorder{name: "2", trace: &trace})
	fetch := func(context.Context, *crawler.Request) (*crawler.Response, error) {
		return nil, crawler.ErrConnection
	}
	req := crawler.NewRequest("http://a.test/")
	out := c.Execute(context.Background(), req, fetch)

	require.Equal(t, OutcomeFailure, out.Kind)
	require.ErrorIs(t, out.Err, crawler.ErrConnection)
	var f *crawler.Failure
	require.ErrorAs(t, out.Err, &f)
	assert.Same(t, req, f.Request)
	assert.Equal(t, []string{"1:req", "2:req", "2:exc", "1:exc"}, trace)
}

func TestResponseHookErrorSwitchesToExceptions(t *testing.T) {
	t.Parallel()

	var trace []string
	boom := errors.New("boom")
	c := buildChain(t,
		&recorder{name: "1", trace: &trace},
		&recorder{name: "2", trace: &trace},
		&recorder{name: "3", trace: &trace, onRes: func(*crawler.Response) (Action, error) { return Action{}, boom }},
	)
	fetch, _ := okFetch("x")
	out := c.Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)

	require.Equal(t, OutcomeFailure, out.Kind)
	require.ErrorIs(t, out.Err, boom)
	assert.Contains(t, out.Err.Error(), "3: boom")
	assert.Equal(t, []string{"1:req", "2:req", "3:req", "3:resp", "2:exc", "1:exc"}, trace)
}

func TestRequestHookErrorUnwindsEarlierHooks(t *testing.T) {
	t.Parallel()

	var trace []string
	c := buildChain(t,
		&recorder{name: "1", trace: &trace},
		&recorder{name: "2", trace: &trace, onReq: func() (Action, error) { return Action{}, errors.New("bad") }},
		&recorder{name: "3", trace: &trace},
	)
	fetch, calls := okFetch("x")
	out := c.Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)

	assert.Equal(t, OutcomeFailure, out.Kind)
	assert.Zero(t, *calls)
	// Hook 3 never saw the request and hook 2 raised the error itself.
	assert.Equal(t, []string{"1:req", "2:req", "1:exc"}, trace)
}

func TestCloseSpiderSkipsExceptionHooks(t *testing.T) {
	t.Parallel()

	quota := &crawler.CloseSpider{Reason: "quota"}
	testCases := []struct {
		name  string
		hooks func(trace *[]string) []any
		fetch FetchFunc
		want  []string
	}{
		{
			name: "from request hook",
			hooks: func(trace *[]string) []any {
				return []any{
					&recorder{name: "1", trace: trace},
					&recorder{name: "2", trace: trace, onReq: func() (Action, error) { return Action{}, quota }},
				}
			},
			want: []string{"1:req", "2:req"},
		},
		{
			name: "from transport",
			hooks: func(trace *[]string) []any {
				return []any{&recorder{name: "1", trace: trace}}
			},
			fetch: func(context.Context, *crawler.Request) (*crawler.Response, error) {
				return nil, fmt.Errorf("wrapped: %w", quota)
			},
			want: []string{"1:req"},
		},
		{
			name: "from response hook",
			hooks: func(trace *[]string) []any {
				return []any{
					&recorder{name: "1", trace: trace},
					&recorder{name: "2", trace: trace, onRes: func(*crawler.Response) (Action, error) { return Action{}, quota }},
				}
			},
			want: []string{"1:req", "2:req", "2:resp"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var trace []string
			c := buildChain(t, tc.hooks(&trace)...)
			fetch := tc.fetch
			if fetch == nil {
				fetch, _ = okFetch("x")
			}
			req := crawler.NewRequest("http://a.test/")
			out := c.Execute(context.Background(), req, fetch)

			require.Equal(t, OutcomeCloseSpider, out.Kind)
			cs, ok := crawler.AsCloseSpider(out.Err)
			require.True(t, ok)
			assert.Equal(t, "quota", cs.Reason)
			assert.Same(t, req, out.Request)
			assert.Equal(t, tc.want, trace)
		})
	}
}

func TestResponseHookReschedule(t *testing.T) {
	t.Parallel()

	var trace []string
	retry := crawler.NewRequest("http://a.test/", crawler.WithDontFilter())
	c := buildChain(t,
		&recorder{name: "1", trace: &trace},
		&recorder{name: "2", trace: &trace, onRes: func(*crawler.Response) (Action, error) { return WithRequest(retry), nil }},
	)
	fetch, _ := okFetch("x")
	out := c.Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)

	require.Equal(t, OutcomeReschedule, out.Kind)
	assert.Same(t, retry, out.Request)
	assert.Equal(t, []string{"1:req", "2:req", "2:resp"}, trace)
}

type onlyResponse struct{}

func (onlyResponse) ProcessResponse(_ context.Context, _ *crawler.Request, resp *crawler.Response) (Action, error) {
	return WithResponse(resp.Replace(func(r *crawler.Response) { r.Flags = append(r.Flags, "seen") })), nil
}

func TestCapabilityCheck(t *testing.T) {
	t.Parallel()

	_, err := NewDownloaderChain(struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "implements no downloader capability")

	c := buildChain(t, onlyResponse{})
	fetch, _ := okFetch("x")
	out := c.Execute(context.Background(), crawler.NewRequest("http://a.test/"), fetch)
	require.Equal(t, OutcomeResponse, out.Kind)
	assert.True(t, out.Response.HasFlag("seen"))
	assert.Equal(t, []string{"middleware.onlyResponse"}, c.Names())
}

func TestOutcomeAndActionStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ignore_with_errback", OutcomeIgnoreWithErrback.String())
	assert.Equal(t, "request", WithRequest(nil).String())
	assert.Equal(t, "continue", Continue().String())
}
