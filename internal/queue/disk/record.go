package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Record framing: [len uint32][crc32 uint32][data][len uint32], little
// endian. The trailing length lets LIFO queues walk a chunk backwards.
const (
	headerSize  = 8
	trailerSize = 4
	frameSize   = headerSize + trailerSize
)

// ErrCorruptRecord reports a record whose framing or checksum is invalid.
var ErrCorruptRecord = errors.New("corrupt queue record")

// errChecksum marks a corrupt record whose framing is intact, so the
// records around it are still reachable.
var errChecksum = errors.New("checksum mismatch")

var crcTable = crc32.MakeTable(crc32.IEEE)

func encodeRecord(data []byte) []byte {
	buf := make([]byte, frameSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data))) //nolint:gosec // record length bounded by push
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(data, crcTable))
	copy(buf[headerSize:], data)
	binary.LittleEndian.PutUint32(buf[headerSize+len(data):], uint32(len(data))) //nolint:gosec // see above
	return buf
}

// readRecordAt reads the record starting at off and returns it with the
// offset of the following record. limit is the end of the readable data;
// a length header pointing past it is reported as corrupt. On a checksum
// mismatch the returned offset is still valid.
func readRecordAt(r io.ReaderAt, off, limit int64) ([]byte, int64, error) {
	if off+frameSize > limit {
		return nil, 0, fmt.Errorf("%w: truncated record at %d", ErrCorruptRecord, off)
	}
	var hdr [headerSize]byte
	if _, err := r.ReadAt(hdr[:], off); err != nil {
		return nil, 0, fmt.Errorf("read record header at %d: %w", off, err)
	}
	size := int64(binary.LittleEndian.Uint32(hdr[0:4]))
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if size > limit-off-frameSize {
		return nil, 0, fmt.Errorf("%w: length %d overruns chunk at %d", ErrCorruptRecord, size, off)
	}
	buf := make([]byte, size+trailerSize)
	if _, err := r.ReadAt(buf, off+headerSize); err != nil {
		return nil, 0, fmt.Errorf("read record body at %d: %w", off, err)
	}
	data := buf[:size]
	if int64(binary.LittleEndian.Uint32(buf[size:])) != size {
		return nil, 0, fmt.Errorf("%w: length mismatch at %d", ErrCorruptRecord, off)
	}
	next := off + frameSize + size
	if crc32.Checksum(data, crcTable) != sum {
		return nil, next, fmt.Errorf("%w: %w at %d", ErrCorruptRecord, errChecksum, off)
	}
	return data, next, nil
}

// readRecordBefore reads the record that ends at end and returns it with
// its starting offset. Like readRecordAt, the offset survives a checksum
// mismatch.
func readRecordBefore(r io.ReaderAt, end int64) ([]byte, int64, error) {
	if end < frameSize {
		return nil, 0, fmt.Errorf("%w: truncated chunk at %d", ErrCorruptRecord, end)
	}
	var tr [trailerSize]byte
	if _, err := r.ReadAt(tr[:], end-trailerSize); err != nil {
		return nil, 0, fmt.Errorf("read record trailer at %d: %w", end, err)
	}
	start := end - frameSize - int64(binary.LittleEndian.Uint32(tr[:]))
	if start < 0 {
		return nil, 0, fmt.Errorf("%w: bad trailer at %d", ErrCorruptRecord, end)
	}
	data, next, err := readRecordAt(r, start, end)
	if err != nil && !errors.Is(err, errChecksum) {
		return nil, 0, err
	}
	if next != end {
		return nil, 0, fmt.Errorf("%w: misaligned record at %d", ErrCorruptRecord, start)
	}
	return data, start, err
}
