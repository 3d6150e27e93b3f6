// Package disk implements a durable, chunked FIFO/LIFO queue of opaque
// records stored under a single directory.
//
// Records are appended to numbered chunk files as they are pushed. The
// head/tail bookkeeping lives in info.json, which is only written on Close;
// a queue reopened without it is rebuilt by scanning the chunk files.
//
// Pop never stalls on a damaged chunk. A record with a bad checksum is
// stepped over; broken framing drops the rest of the chunk. Both report an
// error wrapping queue.ErrSkipped.
package disk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/crawlcore/internal/queue"
)

const (
	defaultChunkSize = 100000
	infoFile         = "info.json"
	chunkPrefix      = "q"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("disk queue closed")

// Config controls a Queue.
//   - Dir: directory owned by the queue; created if missing.
//   - ChunkSize: records per chunk file (default 100000).
//   - LIFO: pop the most recently pushed record first.
type Config struct {
	Dir       string
	ChunkSize int
	LIFO      bool
}

type position struct {
	Chunk  int   `json:"chunk"`
	Offset int64 `json:"offset"`
	Count  int   `json:"count"`
}

type queueInfo struct {
	Size      int      `json:"size"`
	ChunkSize int      `json:"chunksize"`
	Head      position `json:"head"`
	Tail      position `json:"tail"`
}

// Queue is a durable record queue. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	dir      string
	lifo     bool
	info     queueInfo
	tail     *os.File
	head     *os.File
	headSize int64
	closed   bool
}

// Open opens or creates the queue stored in cfg.Dir.
func Open(cfg Config) (*Queue, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("disk queue directory is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	q := &Queue{dir: cfg.Dir, lifo: cfg.LIFO}
	ok, err := q.loadInfo()
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := q.scan(cfg.ChunkSize); err != nil {
			return nil, err
		}
	}
	tail, err := q.openChunk(q.info.Tail.Chunk, true)
	if err != nil {
		return nil, err
	}
	q.tail = tail
	return q, nil
}

// loadInfo reads info.json and removes it, so a crash before the next
// Close falls back to scanning. It reports false when the metadata is
// missing or does not match the chunk files.
func (q *Queue) loadInfo() (bool, error) {
	path := filepath.Join(q.dir, infoFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read queue info: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove queue info: %w", err)
	}
	var info queueInfo
	if err := json.Unmarshal(data, &info); err != nil || info.ChunkSize <= 0 {
		return false, nil
	}
	st, err := os.Stat(q.chunkPath(info.Tail.Chunk))
	switch {
	case errors.Is(err, fs.ErrNotExist) && info.Size == 0:
	case err != nil:
		return false, nil
	case st.Size() != info.Tail.Offset:
		return false, nil
	}
	q.info = info
	return true, nil
}

// scan rebuilds the bookkeeping from the chunk files. A torn record at the
// end of the last chunk is truncated; broken framing elsewhere is an error.
func (q *Queue) scan(chunkSize int) error {
	chunks, err := q.listChunks()
	if err != nil {
		return err
	}
	q.info = queueInfo{ChunkSize: chunkSize}
	if len(chunks) == 0 {
		return nil
	}
	q.info.Head = position{Chunk: chunks[0]}
	for i, n := range chunks {
		end, count, err := q.scanChunk(n, i == len(chunks)-1)
		if err != nil {
			return err
		}
		q.info.Size += count
		if i == len(chunks)-1 {
			q.info.Tail = position{Chunk: n, Offset: end, Count: count}
		}
	}
	return nil
}

func (q *Queue) scanChunk(n int, last bool) (int64, int, error) {
	f, err := os.OpenFile(q.chunkPath(n), os.O_RDWR, 0o600)
	if err != nil {
		return 0, 0, fmt.Errorf("open chunk %d: %w", n, err)
	}
	defer f.Close() //nolint:errcheck // read-only scan
	st, err := f.Stat()
	if err != nil {
		return 0, 0, fmt.Errorf("stat chunk %d: %w", n, err)
	}
	var off int64
	count := 0
	for off < st.Size() {
		_, next, rerr := readRecordAt(f, off, st.Size())
		// Records failing only their checksum still count; Pop steps over them.
		if rerr != nil && !errors.Is(rerr, errChecksum) {
			if !last {
				return 0, 0, fmt.Errorf("scan chunk %d: %w", n, rerr)
			}
			if err := f.Truncate(off); err != nil {
				return 0, 0, fmt.Errorf("truncate torn chunk %d: %w", n, err)
			}
			break
		}
		off = next
		count++
	}
	return off, count, nil
}

func (q *Queue) listChunks() ([]int, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("list queue dir: %w", err)
	}
	var chunks []int
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, chunkPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, chunkPrefix))
		if err != nil {
			continue
		}
		chunks = append(chunks, n)
	}
	sort.Ints(chunks)
	return chunks, nil
}

func (q *Queue) chunkPath(n int) string {
	return filepath.Join(q.dir, fmt.Sprintf("%s%05d", chunkPrefix, n))
}

func (q *Queue) openChunk(n int, create bool) (*os.File, error) {
	flags := os.O_RDWR | os.O_APPEND
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(q.chunkPath(n), flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open chunk %d: %w", n, err)
	}
	return f, nil
}

// Push appends a record.
func (q *Queue) Push(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.info.Tail.Count >= q.info.ChunkSize {
		if err := q.rotate(); err != nil {
			return err
		}
	}
	n, err := q.tail.Write(encodeRecord(data))
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	q.info.Tail.Offset += int64(n)
	q.info.Tail.Count++
	q.info.Size++
	return nil
}

func (q *Queue) rotate() error {
	if q.info.Head.Chunk == q.info.Tail.Chunk {
		q.dropHead()
	}
	if err := q.tail.Close(); err != nil {
		return fmt.Errorf("close chunk %d: %w", q.info.Tail.Chunk, err)
	}
	next := q.info.Tail.Chunk + 1
	f, err := q.openChunk(next, true)
	if err != nil {
		return err
	}
	q.tail = f
	q.info.Tail = position{Chunk: next}
	return nil
}

// Pop removes the next record. ok is false when the queue is empty.
func (q *Queue) Pop() ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false, ErrClosed
	}
	if q.info.Size == 0 {
		return nil, false, nil
	}
	var (
		data []byte
		err  error
	)
	if q.lifo {
		data, err = q.popTail()
	} else {
		data, err = q.popHead()
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (q *Queue) popHead() ([]byte, error) {
	r, size, err := q.headReader()
	if err != nil {
		return nil, err
	}
	data, next, rerr := readRecordAt(r, q.info.Head.Offset, size)
	switch {
	case rerr == nil, errors.Is(rerr, errChecksum):
	case errors.Is(rerr, ErrCorruptRecord):
		lost, err := q.discardHeadChunk()
		if err != nil {
			return nil, errors.Join(rerr, err)
		}
		return nil, fmt.Errorf("%w: dropped %d records: %w", queue.ErrSkipped, lost, rerr)
	default:
		return nil, rerr
	}
	q.info.Head.Offset = next
	q.info.Head.Count++
	q.info.Size--

	switch {
	case q.info.Head.Chunk < q.info.Tail.Chunk && next >= size:
		err = q.removeHeadChunk()
	case q.info.Size == 0:
		err = q.reset()
	}
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrSkipped, rerr)
	}
	return data, nil
}

// discardHeadChunk gives up on the unread part of the head chunk.
func (q *Queue) discardHeadChunk() (int, error) {
	if q.info.Head.Chunk == q.info.Tail.Chunk {
		lost := q.info.Size
		q.info.Size = 0
		return lost, q.reset()
	}
	later := min((q.info.Tail.Chunk-q.info.Head.Chunk-1)*q.info.ChunkSize+q.info.Tail.Count, q.info.Size)
	lost := q.info.Size - later
	q.info.Size = later
	return lost, q.removeHeadChunk()
}

func (q *Queue) removeHeadChunk() error {
	q.dropHead()
	if err := os.Remove(q.chunkPath(q.info.Head.Chunk)); err != nil {
		return fmt.Errorf("remove drained chunk: %w", err)
	}
	q.info.Head = position{Chunk: q.info.Head.Chunk + 1}
	return nil
}

// reset empties the tail chunk once nothing is queued.
func (q *Queue) reset() error {
	if err := q.tail.Truncate(0); err != nil {
		return fmt.Errorf("reset chunk: %w", err)
	}
	q.info.Head = position{Chunk: q.info.Tail.Chunk}
	q.info.Tail = position{Chunk: q.info.Tail.Chunk}
	return nil
}

func (q *Queue) headReader() (*os.File, int64, error) {
	if q.info.Head.Chunk == q.info.Tail.Chunk {
		return q.tail, q.info.Tail.Offset, nil
	}
	if q.head == nil {
		f, err := q.openChunk(q.info.Head.Chunk, false)
		if err != nil {
			return nil, 0, err
		}
		st, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, 0, fmt.Errorf("stat chunk %d: %w", q.info.Head.Chunk, err)
		}
		q.head = f
		q.headSize = st.Size()
	}
	return q.head, q.headSize, nil
}

func (q *Queue) dropHead() {
	if q.head != nil {
		_ = q.head.Close()
		q.head = nil
		q.headSize = 0
	}
}

func (q *Queue) popTail() ([]byte, error) {
	data, start, rerr := readRecordBefore(q.tail, q.info.Tail.Offset)
	switch {
	case rerr == nil, errors.Is(rerr, errChecksum):
	case errors.Is(rerr, ErrCorruptRecord):
		lost, err := q.discardTailChunk()
		if err != nil {
			return nil, errors.Join(rerr, err)
		}
		return nil, fmt.Errorf("%w: dropped %d records: %w", queue.ErrSkipped, lost, rerr)
	default:
		return nil, rerr
	}
	if err := q.tail.Truncate(start); err != nil {
		return nil, fmt.Errorf("truncate chunk: %w", err)
	}
	q.info.Tail.Offset = start
	q.info.Tail.Count--
	q.info.Size--
	if q.info.Tail.Offset == 0 && q.info.Tail.Chunk > q.info.Head.Chunk {
		if err := q.stepBack(); err != nil {
			return nil, err
		}
	}
	if rerr != nil {
		return nil, fmt.Errorf("%w: %w", queue.ErrSkipped, rerr)
	}
	return data, nil
}

// discardTailChunk gives up on the unread part of the tail chunk.
func (q *Queue) discardTailChunk() (int, error) {
	if q.info.Tail.Chunk == q.info.Head.Chunk {
		lost := q.info.Size
		q.info.Size = 0
		return lost, q.reset()
	}
	lost := min(q.info.Tail.Count, q.info.Size)
	q.info.Size -= lost
	return lost, q.stepBack()
}

// stepBack makes the previous, full chunk the tail once the tail chunk
// has been drained.
func (q *Queue) stepBack() error {
	if err := q.tail.Close(); err != nil {
		return fmt.Errorf("close chunk %d: %w", q.info.Tail.Chunk, err)
	}
	if err := os.Remove(q.chunkPath(q.info.Tail.Chunk)); err != nil {
		return fmt.Errorf("remove drained chunk: %w", err)
	}
	prev := q.info.Tail.Chunk - 1
	if prev == q.info.Head.Chunk {
		q.dropHead()
	}
	f, err := q.openChunk(prev, false)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat chunk %d: %w", prev, err)
	}
	q.tail = f
	q.info.Tail = position{Chunk: prev, Offset: st.Size(), Count: q.info.ChunkSize}
	return nil
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.info.Size
}

// Close releases the files. A non-empty queue records its bookkeeping in
// info.json; an empty one removes its directory.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.dropHead()
	var errs []error
	if err := q.tail.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync chunk: %w", err))
	}
	if err := q.tail.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chunk: %w", err))
	}
	if q.info.Size == 0 {
		if err := os.RemoveAll(q.dir); err != nil {
			errs = append(errs, fmt.Errorf("remove empty queue dir: %w", err))
		}
		return errors.Join(errs...)
	}
	if err := q.writeInfo(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Abandon releases the files without writing bookkeeping, as after a crash.
func (q *Queue) Abandon() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.dropHead()
	if err := q.tail.Close(); err != nil {
		return fmt.Errorf("close chunk: %w", err)
	}
	return nil
}

func (q *Queue) writeInfo() error {
	data, err := json.Marshal(q.info)
	if err != nil {
		return fmt.Errorf("encode queue info: %w", err)
	}
	tmp := filepath.Join(q.dir, infoFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write queue info: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, infoFile)); err != nil {
		return fmt.Errorf("commit queue info: %w", err)
	}
	return nil
}
