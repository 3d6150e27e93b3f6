// Package dupefilter records request fingerprints and rejects duplicates.
package dupefilter

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/fingerprint"
)

// Fingerprinter computes request identities.
type Fingerprinter interface {
	Fingerprint(req *crawler.Request) (string, error)
}

// Config controls a Filter.
//   - Path: optional append-only fingerprint log (requests.seen).
//   - Debug: log every filtered duplicate instead of only the first.
type Config struct {
	Path          string
	Debug         bool
	Fingerprinter Fingerprinter
	Logger        *zap.Logger
}

// Filter admits each fingerprint at most once. It is safe for concurrent use.
type Filter struct {
	mu         sync.Mutex
	seen       map[string]struct{}
	file       *os.File
	w          *bufio.Writer
	fp         Fingerprinter
	debug      bool
	loggedDupe bool
	logger     *zap.Logger
}

// Open builds a Filter, loading any fingerprints already recorded at
// cfg.Path. A malformed log yields crawler.ErrCorruptSeenLog.
func Open(cfg Config) (*Filter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fp := cfg.Fingerprinter
	if fp == nil {
		fp = fingerprint.New()
	}
	f := &Filter{
		seen:   make(map[string]struct{}),
		fp:     fp,
		debug:  cfg.Debug,
		logger: logger,
	}
	if cfg.Path == "" {
		return f, nil
	}
	file, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open fingerprint log: %w", err)
	}
	if err := f.load(file); err != nil {
		_ = file.Close()
		return nil, err
	}
	f.file = file
	f.w = bufio.NewWriter(file)
	logger.Info("fingerprint log loaded", zap.String("path", cfg.Path), zap.Int("fingerprints", len(f.seen)))
	return f, nil
}

func (f *Filter) load(file *os.File) error {
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !fingerprint.Valid(text) {
			return fmt.Errorf("%w: line %d of %s", crawler.ErrCorruptSeenLog, line, file.Name())
		}
		f.seen[text] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %w", crawler.ErrCorruptSeenLog, err)
	}
	return nil
}

// ShouldAdmit records req's fingerprint and reports whether it was new.
// DontFilter requests are always admitted and never recorded.
func (f *Filter) ShouldAdmit(req *crawler.Request) bool {
	if req.DontFilter {
		return true
	}
	fp, err := f.fp.Fingerprint(req)
	if err != nil {
		f.logger.Warn("cannot fingerprint request; rejecting", zap.String("url", req.URL), zap.Error(err))
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[fp]; dup {
		f.logDuplicate(req)
		return false
	}
	f.seen[fp] = struct{}{}
	if f.w != nil {
		if err := f.appendLocked(fp); err != nil {
			f.logger.Error("fingerprint log append failed", zap.String("url", req.URL), zap.Error(err))
		}
	}
	return true
}

func (f *Filter) appendLocked(fp string) error {
	if _, err := f.w.WriteString(fp + "\n"); err != nil {
		return fmt.Errorf("write fingerprint: %w", err)
	}
	if err := f.w.Flush(); err != nil {
		return fmt.Errorf("flush fingerprint: %w", err)
	}
	return nil
}

func (f *Filter) logDuplicate(req *crawler.Request) {
	switch {
	case f.debug:
		f.logger.Debug("filtered duplicate request", zap.String("url", req.URL))
	case !f.loggedDupe:
		f.logger.Debug("filtered duplicate request; no more duplicates will be shown (enable dupefilter debug to see all)",
			zap.String("url", req.URL))
		f.loggedDupe = true
	}
}

// Len returns the number of recorded fingerprints.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

// Close flushes and syncs the fingerprint log.
func (f *Filter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	var errs []error
	if err := f.w.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush fingerprint log: %w", err))
	}
	if err := f.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync fingerprint log: %w", err))
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close fingerprint log: %w", err))
	}
	f.file = nil
	f.w = nil
	return errors.Join(errs...)
}
