// Package fingerprint computes stable request identities for duplicate
// detection.
package fingerprint

import (
	"crypto/sha1" //nolint:gosec // identity digest, not a security boundary
	"encoding/hex"
	"fmt"
	"net/textproto"
	"slices"
	"strings"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Size is the length of a hex encoded fingerprint.
const Size = sha1.Size * 2

// Fingerprinter hashes the canonical form of a request: method, normalized
// URL and body, plus any headers explicitly opted in. Meta never takes part.
type Fingerprinter struct {
	headers []string
}

// New builds a Fingerprinter. includeHeaders names headers that become part
// of the identity; by default none do.
func New(includeHeaders ...string) *Fingerprinter {
	hs := make([]string, 0, len(includeHeaders))
	for _, h := range includeHeaders {
		if h = strings.TrimSpace(h); h != "" {
			hs = append(hs, textproto.CanonicalMIMEHeaderKey(h))
		}
	}
	slices.Sort(hs)
	return &Fingerprinter{headers: slices.Compact(hs)}
}

// Fingerprint returns the hex encoded SHA-1 digest of req.
func (f *Fingerprinter) Fingerprint(req *crawler.Request) (string, error) {
	canonical, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", req.URL, err)
	}
	h := sha1.New() //nolint:gosec // see import
	h.Write([]byte(strings.ToUpper(req.Method)))
	h.Write([]byte{0})
	h.Write([]byte(canonical))
	h.Write([]byte{0})
	h.Write(req.Body)
	for _, name := range f.headers {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(name)))
		for _, v := range req.Headers.Values(name) {
			h.Write([]byte{0})
			h.Write([]byte(v))
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether s looks like a fingerprint produced by this package.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
