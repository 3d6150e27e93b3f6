// Package scheduler admits requests through the fingerprint filter and
// holds them until the engine dequeues them for download.
//
// Pending requests live in two tiers. When a job directory is configured,
// every request that can be serialized goes to the durable tier; the rest
// (function callbacks, exotic meta) stay in memory. Dequeue drains the
// memory tier first. Both tiers are partitioned by downloader slot and
// ordered by priority.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/crawlctx"
	"github.com/JakeFAU/crawlcore/internal/dupefilter"
	"github.com/JakeFAU/crawlcore/internal/fingerprint"
	"github.com/JakeFAU/crawlcore/internal/jobdir"
	"github.com/JakeFAU/crawlcore/internal/queue"
	"github.com/JakeFAU/crawlcore/internal/queue/disk"
	"github.com/JakeFAU/crawlcore/internal/queue/memory"
)

// DefaultSlot is used for every request when slot balancing is disabled.
const DefaultSlot = "default"

// SlotKeyFunc maps a request to its downloader slot.
type SlotKeyFunc func(req *crawler.Request) string

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSlots balances dequeues by in-flight downloads per slot. It only
// takes effect when the settings select the downloader-aware queue.
func WithSlots(stats queue.SlotStats, key SlotKeyFunc) Option {
	return func(s *Scheduler) {
		s.slotStats = stats
		if key != nil {
			s.slotKey = key
		}
	}
}

// Scheduler is the request admission and ordering component. It is owned
// by the engine loop and is not safe for concurrent use.
type Scheduler struct {
	cc        *crawlctx.Context
	logger    *zap.Logger
	slotStats queue.SlotStats
	slotKey   SlotKeyFunc
	aware     bool
	lifo      bool
	debug     bool

	dir    *jobdir.Dir
	filter *dupefilter.Filter
	mem    *queue.SlotQueue[*crawler.Request]
	disk   *queue.SlotQueue[[]byte]
	open   bool
}

// New builds an unopened Scheduler.
func New(cc *crawlctx.Context, opts ...Option) *Scheduler {
	cfg := cc.Settings.Scheduler
	s := &Scheduler{
		cc:      cc,
		logger:  cc.Logger.Named("scheduler"),
		slotKey: defaultSlotKey,
		aware:   cc.Settings.DownloaderAware(),
		lifo:    cfg.LIFO,
		debug:   cfg.Debug,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultSlotKey(req *crawler.Request) string {
	if slot := req.MetaString(crawler.MetaDownloadSlot); slot != "" {
		return slot
	}
	return req.Host()
}

// Open prepares the queues. A job directory that cannot be used is logged
// and the scheduler runs memory-only; a corrupt fingerprint log is fatal.
func (s *Scheduler) Open(_ context.Context) error {
	if s.open {
		return errors.New("scheduler already open")
	}
	cfg := s.cc.Settings.Scheduler

	var stats queue.SlotStats
	if s.aware {
		stats = s.slotStats
	}
	mem, err := queue.NewSlotQueue(s.memorySlot, stats, nil)
	if err != nil {
		return fmt.Errorf("open memory queue: %w", err)
	}
	s.mem = mem

	seenPath := ""
	if cfg.JobDir != "" {
		dir, derr := jobdir.Open(cfg.JobDir)
		if derr != nil {
			s.logger.Warn("job directory unusable, continuing memory-only",
				zap.String("jobdir", cfg.JobDir), zap.Error(derr))
		} else {
			s.dir = dir
			seenPath = dir.SeenFile()
		}
	}

	filter, err := dupefilter.Open(dupefilter.Config{
		Path:          seenPath,
		Debug:         cfg.DupefilterDebug,
		Fingerprinter: fingerprint.New(cfg.FingerprintIncludeHeaders...),
		Logger:        s.cc.Logger.Named("dupefilter"),
	})
	if err != nil {
		return fmt.Errorf("open dupefilter: %w", err)
	}
	s.filter = filter

	if s.dir != nil {
		if err := s.openDisk(stats); err != nil {
			_ = s.filter.Close()
			return err
		}
	}
	s.open = true
	return nil
}

func (s *Scheduler) openDisk(stats queue.SlotStats) error {
	active, ok, err := s.dir.LoadActive()
	if err != nil {
		return fmt.Errorf("load queue metadata: %w", err)
	}
	if !ok {
		active, err = s.dir.ScanActive()
		if err != nil {
			return fmt.Errorf("scan queue directory: %w", err)
		}
		if len(active) > 0 {
			s.logger.Info("queue metadata missing, recovered by directory scan", zap.Int("slots", len(active)))
		}
	}
	dq, err := queue.NewSlotQueue(s.diskSlot, stats, active)
	if err != nil {
		return fmt.Errorf("open disk queue: %w", err)
	}
	// Metadata is rewritten on the next clean close; a crash before then
	// must fall back to scanning.
	if err := s.dir.RemoveActive(); err != nil {
		_ = dq.Abandon()
		return err
	}
	s.disk = dq
	if n := dq.Len(); n > 0 {
		s.logger.Info("resuming crawl from job directory", zap.Int("pending", n))
	}
	return nil
}

func (s *Scheduler) memorySlot(_ string, start []int) (*queue.PriorityQueue[*crawler.Request], error) {
	return queue.NewPriorityQueue(func(int) (queue.Queue[*crawler.Request], error) {
		if s.lifo {
			return memory.NewLIFO[*crawler.Request](), nil
		}
		return memory.NewFIFO[*crawler.Request](), nil
	}, start)
}

func (s *Scheduler) diskSlot(slot string, start []int) (*queue.PriorityQueue[[]byte], error) {
	return queue.NewPriorityQueue(func(priority int) (queue.Queue[[]byte], error) {
		dir, err := s.dir.PriorityDir(slot, priority)
		if err != nil {
			return nil, err
		}
		q, err := disk.Open(disk.Config{Dir: dir, LIFO: s.lifo})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", dir, err)
		}
		return q, nil
	}, start)
}

func (s *Scheduler) slotFor(req *crawler.Request) string {
	if !s.aware {
		return DefaultSlot
	}
	return s.slotKey(req)
}

// Enqueue admits req unless it is a duplicate and reports whether it was
// queued.
func (s *Scheduler) Enqueue(req *crawler.Request) bool {
	st := s.cc.Stats
	if !s.filter.ShouldAdmit(req) {
		st.Inc("dupefilter/filtered", 1)
		return false
	}
	slot := s.slotFor(req)
	if s.pushDisk(req, slot) {
		st.Inc("scheduler/enqueued/disk", 1)
	} else {
		if err := s.mem.Push(req, slot, req.Priority); err != nil {
			s.logger.Error("memory enqueue failed", zap.String("url", req.URL), zap.Error(err))
			return false
		}
		st.Inc("scheduler/enqueued/memory", 1)
	}
	st.Inc("scheduler/enqueued", 1)
	return true
}

func (s *Scheduler) pushDisk(req *crawler.Request, slot string) bool {
	if s.disk == nil {
		return false
	}
	data, err := crawler.EncodeRequest(req)
	if err != nil {
		s.cc.Stats.Inc("scheduler/unserializable", 1)
		if s.debug {
			s.logger.Debug("unable to serialize request, keeping it in memory",
				zap.String("url", req.URL), zap.Error(err))
		}
		return false
	}
	if err := s.disk.Push(data, slot, req.Priority); err != nil {
		s.logger.Error("disk enqueue failed, keeping request in memory",
			zap.String("url", req.URL), zap.Error(err))
		return false
	}
	return true
}

// Dequeue returns the next request, or nil when nothing is pending.
func (s *Scheduler) Dequeue() (*crawler.Request, error) {
	st := s.cc.Stats
	if req, ok, err := s.mem.Pop(); err != nil {
		return nil, s.popFailed("memory", err)
	} else if ok {
		st.Inc("scheduler/dequeued/memory", 1)
		st.Inc("scheduler/dequeued", 1)
		return req, nil
	}
	if s.disk == nil {
		return nil, nil
	}
	data, ok, err := s.disk.Pop()
	if err != nil {
		return nil, s.popFailed("disk", err)
	}
	if !ok {
		return nil, nil
	}
	req, err := crawler.DecodeRequest(data)
	if err != nil {
		st.Inc("scheduler/dequeue_skipped", 1)
		return nil, fmt.Errorf("dequeue disk: %w: %w", queue.ErrSkipped, err)
	}
	st.Inc("scheduler/dequeued/disk", 1)
	st.Inc("scheduler/dequeued", 1)
	return req, nil
}

// popFailed counts a queue error. The queues always get past the failing
// entry or leaf, so the caller can simply try again.
func (s *Scheduler) popFailed(tier string, err error) error {
	switch {
	case errors.Is(err, queue.ErrSkipped):
		s.cc.Stats.Inc("scheduler/dequeue_skipped", 1)
	case errors.Is(err, queue.ErrQuarantined):
		s.cc.Stats.Inc("scheduler/quarantined", 1)
	}
	return fmt.Errorf("dequeue %s: %w", tier, err)
}

// HasPending reports whether any request is queued.
func (s *Scheduler) HasPending() bool {
	return s.Len() > 0
}

// Len returns the number of queued requests across both tiers.
func (s *Scheduler) Len() int {
	n := 0
	if s.mem != nil {
		n += s.mem.Len()
	}
	if s.disk != nil {
		n += s.disk.Len()
	}
	return n
}

// JobDir returns the open job directory, or nil when running memory-only.
func (s *Scheduler) JobDir() *jobdir.Dir {
	return s.dir
}

// Persistent reports whether a job directory is in use.
func (s *Scheduler) Persistent() bool {
	return s.disk != nil
}

// Close flushes memory-only requests to the job directory where possible,
// records the queue metadata and closes the fingerprint log.
func (s *Scheduler) Close(reason string) error {
	if !s.open {
		return nil
	}
	s.open = false
	var errs []error
	if s.disk != nil {
		lost := s.flushMemory()
		if lost > 0 {
			s.logger.Warn("requests kept in memory are lost on resume", zap.Int("count", lost))
		}
		active, err := s.disk.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("close disk queue: %w", err))
		}
		if len(active) > 0 {
			if err := s.dir.SaveActive(active); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if _, err := s.mem.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory queue: %w", err))
	}
	if err := s.filter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dupefilter: %w", err))
	}
	s.logger.Info("scheduler closed", zap.String("reason", reason), zap.Int("fingerprints", s.filter.Len()))
	return errors.Join(errs...)
}

// flushMemory moves serializable memory entries to disk and returns how
// many had to be discarded.
func (s *Scheduler) flushMemory() int {
	lost := 0
	for {
		req, ok, err := s.mem.Pop()
		if err != nil || !ok {
			return lost
		}
		data, err := crawler.EncodeRequest(req)
		if err == nil {
			err = s.disk.Push(data, s.slotFor(req), req.Priority)
		}
		if err != nil {
			lost++
		}
	}
}

// Abandon releases everything without flushing or writing queue metadata,
// as on a forced shutdown. The next Open recovers by scanning.
func (s *Scheduler) Abandon() error {
	if !s.open {
		return nil
	}
	s.open = false
	var errs []error
	if s.disk != nil {
		if err := s.disk.Abandon(); err != nil {
			errs = append(errs, fmt.Errorf("abandon disk queue: %w", err))
		}
	}
	if _, err := s.mem.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory queue: %w", err))
	}
	if err := s.filter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dupefilter: %w", err))
	}
	return errors.Join(errs...)
}
