package middleware

import (
	"fmt"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

type actionKind int

const (
	actionContinue actionKind = iota
	actionResponse
	actionRequest
	actionIgnore
)

// Action is the result of a downloader hook.
type Action struct {
	kind     actionKind
	response *crawler.Response
	request  *crawler.Request
}

// Continue passes the current value on unchanged. From an exception hook
// it means the error was not handled.
func Continue() Action { return Action{kind: actionContinue} }

// WithResponse substitutes resp for the current value.
func WithResponse(resp *crawler.Response) Action {
	return Action{kind: actionResponse, response: resp}
}

// WithRequest stops the chain and reschedules req.
func WithRequest(req *crawler.Request) Action {
	return Action{kind: actionRequest, request: req}
}

// Ignore stops the chain and abandons the request. The request's errback,
// if any, receives crawler.ErrIgnoreRequest.
func Ignore() Action { return Action{kind: actionIgnore} }

func (a Action) String() string {
	switch a.kind {
	case actionContinue:
		return "continue"
	case actionResponse:
		return "response"
	case actionRequest:
		return "request"
	case actionIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("action(%d)", int(a.kind))
	}
}

// OutcomeKind classifies how a request left the downloader chain.
type OutcomeKind int

// Outcome kinds.
const (
	OutcomeResponse OutcomeKind = iota
	OutcomeReschedule
	OutcomeIgnoreWithErrback
	OutcomeIgnoreSilently
	OutcomeFailure
	OutcomeCloseSpider
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResponse:
		return "response"
	case OutcomeReschedule:
		return "reschedule"
	case OutcomeIgnoreWithErrback:
		return "ignore_with_errback"
	case OutcomeIgnoreSilently:
		return "ignore_silently"
	case OutcomeFailure:
		return "failure"
	case OutcomeCloseSpider:
		return "close_spider"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the final result of running a request through the chain.
//   - OutcomeResponse: Response is set.
//   - OutcomeReschedule: Request is the replacement to schedule.
//   - OutcomeIgnoreWithErrback, OutcomeFailure: Err is a *crawler.Failure.
//   - OutcomeIgnoreSilently: nothing is set.
//   - OutcomeCloseSpider: Request is the request being processed and Err
//     is the *crawler.CloseSpider.
type Outcome struct {
	Kind     OutcomeKind
	Response *crawler.Response
	Request  *crawler.Request
	Err      error
}

func responseOutcome(resp *crawler.Response) Outcome {
	return Outcome{Kind: OutcomeResponse, Response: resp}
}

func rescheduleOutcome(req *crawler.Request) Outcome {
	return Outcome{Kind: OutcomeReschedule, Request: req}
}

func ignoreOutcome(req *crawler.Request) Outcome {
	if req.HasErrback() {
		return Outcome{
			Kind: OutcomeIgnoreWithErrback,
			Err:  &crawler.Failure{Request: req, Err: crawler.ErrIgnoreRequest},
		}
	}
	return Outcome{Kind: OutcomeIgnoreSilently}
}

func closeOutcome(req *crawler.Request, cs *crawler.CloseSpider) Outcome {
	return Outcome{Kind: OutcomeCloseSpider, Request: req, Err: cs}
}

func failureOutcome(req *crawler.Request, err error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: &crawler.Failure{Request: req, Err: err}}
}
