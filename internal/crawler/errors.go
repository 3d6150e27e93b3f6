package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrIgnoreRequest marks a request that was deliberately abandoned. It is
	// routed to the errback when one exists and never logged as an error.
	ErrIgnoreRequest = errors.New("request ignored")
	// ErrTimeout reports that a download exceeded its timeout.
	ErrTimeout = errors.New("download timed out")
	// ErrConnection reports a connection-level transport error.
	ErrConnection = errors.New("connection failed")
	// ErrResponseTooLarge reports a response that crossed the hard size cap.
	ErrResponseTooLarge = errors.New("response exceeds maximum size")
	// ErrDataLoss reports a body shorter than its declared length.
	ErrDataLoss = errors.New("response body data loss")
	// ErrDownloaderClosed is delivered to requests still queued when the
	// downloader shuts down.
	ErrDownloaderClosed = errors.New("downloader closed")
	// ErrUnserializable reports a request that cannot be written to a job directory.
	ErrUnserializable = errors.New("request is not serializable")
	// ErrCorruptSeenLog reports an unreadable fingerprint log.
	ErrCorruptSeenLog = errors.New("corrupt fingerprint log")
)

// CloseSpider asks the engine to stop the crawl with the given reason. It is
// always honored and never retried.
type CloseSpider struct {
	Reason string
}

func (e *CloseSpider) Error() string {
	return fmt.Sprintf("close spider: %s", e.Reason)
}

// DropItem is returned by an ItemSink that rejects an item.
type DropItem struct {
	Reason string
}

func (e *DropItem) Error() string {
	return fmt.Sprintf("item dropped: %s", e.Reason)
}

// AsCloseSpider extracts a close request from err.
func AsCloseSpider(err error) (*CloseSpider, bool) {
	var cs *CloseSpider
	if errors.As(err, &cs) {
		return cs, true
	}
	return nil, false
}
