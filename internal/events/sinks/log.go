package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/events"
)

// LogSink writes each event as a debug log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("crawl_id", evt.CrawlID.String()),
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Status != 0 {
			fields = append(fields, zap.Int("status", evt.Status), zap.Int64("bytes", evt.Bytes))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("crawl event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
