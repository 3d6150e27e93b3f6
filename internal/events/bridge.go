package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/JakeFAU/crawlcore/internal/clock"
	"github.com/JakeFAU/crawlcore/internal/signals"
)

// Bridge forwards lifecycle signals to an Emitter as events tagged with
// crawlID. The returned function disconnects every handler.
func Bridge(d *signals.Dispatcher, emitter Emitter, crawlID uuid.UUID, clk clock.Clock) func() {
	if clk == nil {
		clk = clock.New()
	}
	forward := func(kind Kind) signals.Handler {
		return func(_ context.Context, sig signals.Event) error {
			emitter.Emit(toEvent(kind, sig, crawlID, clk))
			return nil
		}
	}
	pairs := map[signals.Signal]Kind{
		signals.CrawlOpened:      KindCrawlStart,
		signals.SpiderClosed:     KindCrawlDone,
		signals.RequestScheduled: KindRequestScheduled,
		signals.RequestDropped:   KindRequestDropped,
		signals.ResponseReceived: KindResponse,
		signals.ItemScraped:      KindItemScraped,
		signals.ItemDropped:      KindItemDropped,
		signals.ItemError:        KindItemError,
		signals.SpiderError:      KindSpiderError,
	}
	disconnects := make([]func(), 0, len(pairs))
	for sig, kind := range pairs {
		disconnects = append(disconnects, d.Connect(sig, forward(kind)))
	}
	return func() {
		for _, fn := range disconnects {
			fn()
		}
	}
}

func toEvent(kind Kind, sig signals.Event, crawlID uuid.UUID, clk clock.Clock) Event {
	evt := Event{
		CrawlID: crawlID,
		TS:      clk.Now().UTC(),
		Kind:    kind,
		Note:    sig.Reason,
	}
	if sig.Err != nil && evt.Note == "" {
		evt.Note = sig.Err.Error()
	}
	if req := sig.Request; req != nil {
		evt.URL = req.URL
		evt.Site = req.Host()
	}
	if resp := sig.Response; resp != nil {
		evt.URL = resp.URL
		if resp.Request != nil {
			evt.Site = resp.Request.Host()
		}
		if evt.Site == "" {
			evt.Site = "unknown"
		}
		evt.Status = resp.Status
		evt.StatusClass = ClassifyStatus(resp.Status)
		evt.Bytes = int64(len(resp.Body))
	}
	return evt
}
