package downloader

import (
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/crawlcore/internal/clock"
)

// slot tracks one politeness partition (a host, an IP, or an explicit
// download_slot). All fields are guarded by Downloader.mu.
type slot struct {
	key         string
	concurrency int
	delay       time.Duration
	randomize   bool

	queue []*pending
	// active counts requests accepted for this slot, queued or transferring.
	active       int
	transferring int
	nextAllowed  time.Time
	timer        clock.Timer
	lastSeen     time.Time
}

// downloadDelay returns the gap to enforce after a dispatch.
func (s *slot) downloadDelay() time.Duration {
	if s.randomize {
		return time.Duration((0.5 + rand.Float64()) * float64(s.delay)) //nolint:gosec // jitter only
	}
	return s.delay
}

func (s *slot) free() bool {
	return s.active == 0 && s.timer == nil
}

func (s *slot) remove(p *pending) bool {
	for i, q := range s.queue {
		if q == p {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.active--
			return true
		}
	}
	return false
}
