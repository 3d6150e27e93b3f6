// Package events fans crawl milestones out to asynchronous sinks (logs,
// metrics) without ever blocking the crawl loop.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindCrawlStart       Kind = "CRAWL_START"
	KindCrawlDone        Kind = "CRAWL_DONE"
	KindRequestScheduled Kind = "REQUEST_SCHEDULED"
	KindRequestDropped   Kind = "REQUEST_DROPPED"
	KindResponse         Kind = "RESPONSE"
	KindItemScraped      Kind = "ITEM_SCRAPED"
	KindItemDropped      Kind = "ITEM_DROPPED"
	KindItemError        Kind = "ITEM_ERROR"
	KindSpiderError      Kind = "SPIDER_ERROR"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for responses.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single crawl milestone.
type Event struct {
	// CrawlID identifies the run that produced the event.
	CrawlID uuid.UUID
	// TS is the UTC timestamp recorded by the emitter.
	TS   time.Time
	Kind Kind
	// Site is the request host, used as a metrics label.
	Site string
	URL  string
	// Status and StatusClass are set for responses.
	Status      int
	StatusClass StatusClass
	Bytes       int64
	// Note carries low-volume context such as a close or drop reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == uuid.Nil {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCrawlStart, KindCrawlDone, KindItemScraped, KindItemDropped, KindItemError, KindSpiderError:
	case KindRequestScheduled, KindRequestDropped:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Kind)
		}
	case KindResponse:
		if e.Site == "" {
			return errors.New("response requires site")
		}
		if e.StatusClass == "" {
			return errors.New("response requires status class")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Bytes < 0 {
		return errors.New("bytes must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
