// Package sink provides crawler.ItemSink implementations.
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// LogSink logs every item at info level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("items")}
}

// Accept implements crawler.ItemSink.
func (s *LogSink) Accept(_ context.Context, item crawler.Item) (crawler.Item, error) {
	s.logger.Info("scraped item", zap.Any("item", item))
	return item, nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }

// JSONLinesSink appends one JSON document per item to a file.
type JSONLinesSink struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	count  int
	closed bool
}

// NewJSONLinesSink opens (or creates) the file at path for appending.
func NewJSONLinesSink(path string, logger *zap.Logger) (*JSONLinesSink, error) {
	if path == "" {
		return nil, errors.New("output path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return &JSONLinesSink{path: path, logger: logger.Named("items"), file: f, w: bufio.NewWriter(f)}, nil
}

// Accept implements crawler.ItemSink. Items that cannot be encoded are
// dropped rather than reported as errors.
func (s *JSONLinesSink) Accept(ctx context.Context, item crawler.Item) (crawler.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, &crawler.DropItem{Reason: "unencodable"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("write item to %s: sink closed", s.path)
	}
	if _, err := s.w.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write item to %s: %w", s.path, err)
	}
	s.count++
	return item, nil
}

// Count returns the number of items written.
func (s *JSONLinesSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close flushes buffered items and closes the file.
func (s *JSONLinesSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	ferr := s.w.Flush()
	cerr := s.file.Close()
	if ferr != nil {
		return fmt.Errorf("flush %s: %w", s.path, ferr)
	}
	if cerr != nil {
		return fmt.Errorf("close %s: %w", s.path, cerr)
	}
	s.logger.Info("item feed closed", zap.String("path", s.path), zap.Int("items", s.count))
	return nil
}
