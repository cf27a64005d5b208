package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/planmesh/core/internal/protocol"
)

// ============================================================================
// MAPPED QUEUE (TIER 4)
// ============================================================================

// Queue file layout:
//
//	Bytes 0-3:  magic "CMQ1"
//	Bytes 4-7:  reserved
//	Bytes 8-15: read offset, first unconsumed record
//	Bytes 16-:  records, big-endian uint32 length + marshaled frame
//
// Every append and every consumed offset is synced, so frames survive a
// restart and redeliver at least once after a crash between read and
// commit.
const (
	mqMagic      = 0x434D5131 // "CMQ1"
	mqHeaderSize = 16
)

// MappedQueue is the durable store-and-forward queue behind tier 4. Batch
// traffic spills here under backpressure, and frames for detached agents
// wait here until drained.
type MappedQueue struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	readOff  int64
	writeOff int64
	pending  int
	closed   bool
}

// OpenMappedQueue opens or creates the queue file and counts any frames
// left over from a previous run.
func OpenMappedQueue(path string) (*MappedQueue, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	q := &MappedQueue{f: f, path: path}

	if info.Size() == 0 {
		if err := q.writeHeader(mqHeaderSize); err != nil {
			f.Close()
			return nil, err
		}
		q.readOff = mqHeaderSize
		q.writeOff = mqHeaderSize
		return q, nil
	}

	if info.Size() < mqHeaderSize {
		f.Close()
		return nil, fmt.Errorf("queue %s: %w: truncated header", path, ErrCorrupt)
	}
	var header [mqHeaderSize]byte
	if _, err := f.ReadAt(header[:], 0); err != nil {
		f.Close()
		return nil, err
	}
	if binary.BigEndian.Uint32(header[0:4]) != mqMagic {
		f.Close()
		return nil, fmt.Errorf("queue %s: %w: bad magic", path, ErrCorrupt)
	}
	q.readOff = int64(binary.BigEndian.Uint64(header[8:16]))
	q.writeOff = info.Size()
	if q.readOff < mqHeaderSize || q.readOff > q.writeOff {
		f.Close()
		return nil, fmt.Errorf("queue %s: %w: read offset out of range", path, ErrCorrupt)
	}

	if err := q.countPending(); err != nil {
		f.Close()
		return nil, err
	}
	return q, nil
}

// countPending walks the records between the read and write offsets.
func (q *MappedQueue) countPending() error {
	offset := q.readOff
	for offset < q.writeOff {
		var lenBuf [4]byte
		if _, err := q.f.ReadAt(lenBuf[:], offset); err != nil {
			return fmt.Errorf("queue %s: %w: %v", q.path, ErrCorrupt, err)
		}
		length := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if length < protocol.HeaderSize || offset+4+length > q.writeOff {
			return fmt.Errorf("queue %s: %w: record length %d at %d", q.path, ErrCorrupt, length, offset)
		}
		offset += 4 + length
		q.pending++
	}
	return nil
}

func (q *MappedQueue) writeHeader(readOff int64) error {
	var header [mqHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], mqMagic)
	binary.BigEndian.PutUint64(header[8:16], uint64(readOff))
	if _, err := q.f.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("queue %s: write header: %w", q.path, err)
	}
	return q.f.Sync()
}

// Append adds a frame and syncs it to disk.
func (q *MappedQueue) Append(f *protocol.Frame) error {
	record, err := f.Marshal()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	buf := make([]byte, 4+len(record))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(record)))
	copy(buf[4:], record)

	if _, err := q.f.WriteAt(buf, q.writeOff); err != nil {
		return fmt.Errorf("queue %s: append: %w", q.path, err)
	}
	if err := q.f.Sync(); err != nil {
		return fmt.Errorf("queue %s: sync: %w", q.path, err)
	}
	q.writeOff += int64(len(buf))
	q.pending++
	return nil
}

// Pop removes the oldest frame, committing the new read offset durably.
// Returns (nil, nil) when the queue is empty.
func (q *MappedQueue) Pop() (*protocol.Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	if q.readOff >= q.writeOff {
		return nil, nil
	}

	var lenBuf [4]byte
	if _, err := q.f.ReadAt(lenBuf[:], q.readOff); err != nil {
		return nil, fmt.Errorf("queue %s: %w: %v", q.path, ErrCorrupt, err)
	}
	length := int64(binary.BigEndian.Uint32(lenBuf[:]))
	if length < protocol.HeaderSize || q.readOff+4+length > q.writeOff {
		return nil, fmt.Errorf("queue %s: %w: record length %d", q.path, ErrCorrupt, length)
	}

	record := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(q.f, q.readOff+4, length), record); err != nil {
		return nil, fmt.Errorf("queue %s: %w: %v", q.path, ErrCorrupt, err)
	}
	frame := &protocol.Frame{}
	if err := frame.Unmarshal(record); err != nil {
		return nil, fmt.Errorf("queue %s: %w: %v", q.path, ErrCorrupt, err)
	}

	q.readOff += 4 + length
	q.pending--

	// Fully drained: reclaim the file instead of growing forever.
	if q.readOff == q.writeOff {
		if err := q.f.Truncate(mqHeaderSize); err != nil {
			return nil, fmt.Errorf("queue %s: truncate: %w", q.path, err)
		}
		q.readOff = mqHeaderSize
		q.writeOff = mqHeaderSize
	}
	if err := q.writeHeader(q.readOff); err != nil {
		return nil, err
	}
	return frame, nil
}

// Depth reports the number of frames waiting.
func (q *MappedQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close syncs and closes the file. Pending frames stay on disk.
func (q *MappedQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if err := q.f.Sync(); err != nil {
		q.f.Close()
		return err
	}
	return q.f.Close()
}
