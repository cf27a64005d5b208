package transport

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/planmesh/core/internal/protocol"
)

// ============================================================================
// SHARED-MEMORY RING (TIER 1)
// ============================================================================

// Ring file layout. The header lives in its own cache-line-sized block so
// producer and consumer indexes can be updated atomically by different
// processes mapping the same file.
//
//	Bytes 0-3:   magic "CRNG"
//	Bytes 4-7:   version (1)
//	Bytes 8-15:  capacity of the data region
//	Bytes 16-23: head, absolute read position (consumer owned)
//	Bytes 24-31: tail, absolute write position (producer owned)
//	Bytes 32-63: reserved
//	Bytes 64-:   data region
//
// Records are a big-endian uint32 length followed by the marshaled frame.
// A length of 0xFFFFFFFF is a skip marker: the record wrapped to the start
// of the data region.
const (
	ringMagic      = 0x43524E47 // "CRNG"
	ringVersion    = 1
	ringHeaderSize = 64
	skipMarker     = 0xFFFFFFFF

	headOffset     = 16
	tailOffset     = 24
	capacityOffset = 8
)

// Ring is a single-producer single-consumer ring buffer over a mapped file.
// One side calls Offer, the other Poll; neither blocks.
type Ring struct {
	f        *os.File
	mem      []byte
	data     []byte
	capacity uint64
	head     *uint64
	tail     *uint64
	closed   atomic.Bool
}

// CreateRing creates (or truncates) a ring file with the given data
// capacity in bytes.
func CreateRing(path string, capacity int) (*Ring, error) {
	if capacity < protocol.HeaderSize*2 {
		return nil, fmt.Errorf("ring capacity %d too small", capacity)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create ring %s: %w", path, err)
	}
	total := ringHeaderSize + capacity
	if err := f.Truncate(int64(total)); err != nil {
		f.Close()
		return nil, fmt.Errorf("size ring %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map ring %s: %w", path, err)
	}

	binary.BigEndian.PutUint32(mem[0:4], ringMagic)
	binary.BigEndian.PutUint32(mem[4:8], ringVersion)
	binary.BigEndian.PutUint64(mem[capacityOffset:capacityOffset+8], uint64(capacity))

	return newRing(f, mem, uint64(capacity)), nil
}

// OpenRing maps an existing ring file.
func OpenRing(path string) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ring %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < ringHeaderSize {
		f.Close()
		return nil, fmt.Errorf("ring %s: %w: truncated header", path, ErrCorrupt)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map ring %s: %w", path, err)
	}

	if binary.BigEndian.Uint32(mem[0:4]) != ringMagic {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("ring %s: %w: bad magic", path, ErrCorrupt)
	}
	if v := binary.BigEndian.Uint32(mem[4:8]); v != ringVersion {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("ring %s: %w: unsupported version %d", path, ErrCorrupt, v)
	}
	capacity := binary.BigEndian.Uint64(mem[capacityOffset : capacityOffset+8])
	if int64(ringHeaderSize+capacity) != info.Size() {
		unix.Munmap(mem)
		f.Close()
		return nil, fmt.Errorf("ring %s: %w: capacity mismatch", path, ErrCorrupt)
	}

	return newRing(f, mem, capacity), nil
}

func newRing(f *os.File, mem []byte, capacity uint64) *Ring {
	return &Ring{
		f:        f,
		mem:      mem,
		data:     mem[ringHeaderSize : ringHeaderSize+capacity],
		capacity: capacity,
		head:     (*uint64)(unsafe.Pointer(&mem[headOffset])),
		tail:     (*uint64)(unsafe.Pointer(&mem[tailOffset])),
	}
}

// Offer appends a frame. It returns false without blocking when the ring
// lacks space, which is the tier-1 backpressure signal.
func (r *Ring) Offer(f *protocol.Frame) (bool, error) {
	if r.closed.Load() {
		return false, ErrClosed
	}
	record, err := f.Marshal()
	if err != nil {
		return false, err
	}
	need := uint64(4 + len(record))
	if need > r.capacity {
		return false, ErrFrameTooLarge
	}

	head := atomic.LoadUint64(r.head)
	tail := atomic.LoadUint64(r.tail)
	free := r.capacity - (tail - head)

	offset := tail % r.capacity
	remain := r.capacity - offset

	if remain < need {
		// The record wraps: burn the tail of the region and restart at 0.
		if free < remain+need {
			return false, nil
		}
		if remain >= 4 {
			binary.BigEndian.PutUint32(r.data[offset:offset+4], skipMarker)
		}
		r.writeRecord(0, record)
		atomic.StoreUint64(r.tail, tail+remain+need)
		return true, nil
	}

	if free < need {
		return false, nil
	}
	r.writeRecord(offset, record)
	atomic.StoreUint64(r.tail, tail+need)
	return true, nil
}

func (r *Ring) writeRecord(offset uint64, record []byte) {
	binary.BigEndian.PutUint32(r.data[offset:offset+4], uint32(len(record)))
	copy(r.data[offset+4:], record)
}

// Poll removes and returns the next frame, or (nil, nil) when the ring is
// empty.
func (r *Ring) Poll() (*protocol.Frame, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}

	for {
		head := atomic.LoadUint64(r.head)
		tail := atomic.LoadUint64(r.tail)
		if head == tail {
			return nil, nil
		}

		offset := head % r.capacity
		remain := r.capacity - offset

		// Too small for even a length prefix: implicit wrap.
		if remain < 4 {
			atomic.StoreUint64(r.head, head+remain)
			continue
		}

		length := binary.BigEndian.Uint32(r.data[offset : offset+4])
		if length == skipMarker {
			atomic.StoreUint64(r.head, head+remain)
			continue
		}
		if length < protocol.HeaderSize || uint64(length)+4 > remain {
			return nil, fmt.Errorf("%w: record length %d at offset %d", ErrCorrupt, length, offset)
		}

		frame := &protocol.Frame{}
		if err := frame.Unmarshal(r.data[offset+4 : offset+4+uint64(length)]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		atomic.StoreUint64(r.head, head+4+uint64(length))
		return frame, nil
	}
}

// Pending reports the bytes currently queued.
func (r *Ring) Pending() uint64 {
	return atomic.LoadUint64(r.tail) - atomic.LoadUint64(r.head)
}

// Capacity reports the data region size.
func (r *Ring) Capacity() uint64 { return r.capacity }

// Close unmaps the ring. The file stays on disk for the peer.
func (r *Ring) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Munmap(r.mem); err != nil {
		r.f.Close()
		return err
	}
	return r.f.Close()
}
