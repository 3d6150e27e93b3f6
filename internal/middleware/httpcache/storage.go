package httpcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/crawlcore/internal/clock"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/fingerprint"
)

const (
	metaFile = "meta.json"
	bodyFile = "response_body"
)

// entry is the metadata stored next to a cached body.
type entry struct {
	URL         string      `json:"url"`
	Method      string      `json:"method"`
	Status      int         `json:"status"`
	ResponseURL string      `json:"response_url"`
	Headers     http.Header `json:"headers"`
	Stored      time.Time   `json:"timestamp"`
}

// FilesystemStorage keeps one directory per request fingerprint:
// <dir>/<fp[:2]>/<fp>/{meta.json,response_body}.
type FilesystemStorage struct {
	dir        string
	expiration time.Duration
	clock      clock.Clock
	fp         *fingerprint.Fingerprinter
}

// NewFilesystemStorage builds a storage rooted at dir. Entries older than
// expiration are treated as missing; zero keeps them forever.
func NewFilesystemStorage(dir string, expiration time.Duration, clk clock.Clock, fp *fingerprint.Fingerprinter) *FilesystemStorage {
	if clk == nil {
		clk = clock.New()
	}
	if fp == nil {
		fp = fingerprint.New()
	}
	return &FilesystemStorage{dir: dir, expiration: expiration, clock: clk, fp: fp}
}

func (s *FilesystemStorage) path(req *crawler.Request) (string, error) {
	key, err := s.fp.Fingerprint(req)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key[:2], key), nil
}

// Retrieve returns the cached response for req. ok is false on a miss or
// an expired entry.
func (s *FilesystemStorage) Retrieve(req *crawler.Request) (*crawler.Response, bool, error) {
	dir, err := s.path(req)
	if err != nil {
		return nil, false, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache meta: %w", err)
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("decode cache meta %s: %w", dir, err)
	}
	if s.expiration > 0 && s.clock.Now().Sub(e.Stored) > s.expiration {
		return nil, false, nil
	}
	body, err := os.ReadFile(filepath.Join(dir, bodyFile))
	if err != nil {
		return nil, false, fmt.Errorf("read cache body: %w", err)
	}
	return &crawler.Response{
		URL:     e.ResponseURL,
		Status:  e.Status,
		Headers: e.Headers,
		Body:    body,
		Request: req,
	}, true, nil
}

// Store writes resp as the cached answer to req. The body is written
// before the metadata, so a crash mid-store leaves a miss.
func (s *FilesystemStorage) Store(req *crawler.Request, resp *crawler.Response) error {
	dir, err := s.path(req)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, bodyFile), resp.Body, 0o600); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}
	raw, err := json.Marshal(entry{
		URL:         req.URL,
		Method:      req.Method,
		Status:      resp.Status,
		ResponseURL: resp.URL,
		Headers:     resp.Headers,
		Stored:      s.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}
	tmp := filepath.Join(dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write cache meta: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, metaFile)); err != nil {
		return fmt.Errorf("commit cache meta: %w", err)
	}
	return nil
}
