package router

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/planmesh/core/internal/protocol"
	"github.com/planmesh/core/internal/transport"
)

// mailboxDepth is the conn-side buffer per agent: the writePump or an
// in-process Recv drains it. A full mailbox pushes delivery down a tier.
const mailboxDepth = 256

// errLaneUnavailable tells the tier walk to degrade one step.
var errLaneUnavailable = errors.New("lane unavailable")

// laneSet is the set of live transport lanes for one attached agent.
//
// Tier 1 is a shared-memory ring the agent maps from the data dir. Tiers
// 2 and 3 share the mailbox channel; connTier records whether the live
// conn is the unix/in-process path (2) or TCP (3). Tiers 4 and 5 are
// durable files opened on first spill and drained back to the live lanes
// by the pump.
type laneSet struct {
	name    string
	dataDir string

	mu       sync.Mutex
	frameKey []byte
	ring     *transport.Ring
	mailbox  chan *protocol.Frame
	connTier protocol.Tier
	mmq      *transport.MappedQueue
	spool    *transport.Spool
	closed   bool

	// closedCh unblocks Recv when the agent unbinds.
	closedCh chan struct{}
}

func newLaneSet(name, dataDir string) *laneSet {
	return &laneSet{
		name:     name,
		dataDir:  dataDir,
		mailbox:  make(chan *protocol.Frame, mailboxDepth),
		connTier: protocol.TierKernelRing,
		closedCh: make(chan struct{}),
	}
}

// setFrameKey installs the session integrity key used to sign frames
// handed to this agent.
func (l *laneSet) setFrameKey(key []byte) {
	l.mu.Lock()
	l.frameKey = append([]byte(nil), key...)
	l.mu.Unlock()
}

// setConnTier records which conn class currently drains the mailbox.
func (l *laneSet) setConnTier(tier protocol.Tier) {
	l.mu.Lock()
	l.connTier = tier
	l.mu.Unlock()
}

// openRing creates the tier-1 shared-memory ring for this agent. The
// agent maps the same file from the data dir.
func (l *laneSet) openRing(capacity int) error {
	dir := filepath.Join(l.dataDir, "rings")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	ring, err := transport.CreateRing(filepath.Join(dir, l.name+".ring"), capacity)
	if err != nil {
		return fmt.Errorf("create ring for %s: %w", l.name, err)
	}
	l.mu.Lock()
	old := l.ring
	l.ring = ring
	l.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// RingPath is where the agent finds its tier-1 segment.
func (l *laneSet) RingPath() string {
	return filepath.Join(l.dataDir, "rings", l.name+".ring")
}

// deliver hands a frame to one tier. errLaneUnavailable means the tier
// cannot take the frame right now and the caller should degrade.
func (l *laneSet) deliver(tier protocol.Tier, f *protocol.Frame) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return errQueueClosed
	}
	key := l.frameKey
	ring := l.ring
	mailbox := l.mailbox
	connTier := l.connTier
	l.mu.Unlock()

	switch tier {
	case protocol.TierSharedMemory:
		if ring == nil {
			return errLaneUnavailable
		}
		signed, err := signedCopy(f, key)
		if err != nil {
			return err
		}
		ok, err := ring.Offer(signed)
		if err != nil {
			return err
		}
		if !ok {
			// Ring full: the consumer is behind, push down a tier.
			return errLaneUnavailable
		}
		return nil

	case protocol.TierKernelRing, protocol.TierStream:
		if connTier > tier {
			return errLaneUnavailable
		}
		signed, err := signedCopy(f, key)
		if err != nil {
			return err
		}
		select {
		case mailbox <- signed:
			return nil
		default:
			return errLaneUnavailable
		}

	case protocol.TierMappedQueue:
		q, err := l.ensureMMQ()
		if err != nil {
			return err
		}
		return q.Append(f)

	case protocol.TierFile:
		s, err := l.ensureSpool()
		if err != nil {
			return err
		}
		return s.Append(f)

	default:
		return fmt.Errorf("unknown tier %d", tier)
	}
}

func (l *laneSet) ensureMMQ() (*transport.MappedQueue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errQueueClosed
	}
	if l.mmq != nil {
		return l.mmq, nil
	}
	dir := filepath.Join(l.dataDir, "queues")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	q, err := transport.OpenMappedQueue(filepath.Join(dir, l.name+".mmq"))
	if err != nil {
		return nil, err
	}
	l.mmq = q
	return q, nil
}

func (l *laneSet) ensureSpool() (*transport.Spool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errQueueClosed
	}
	if l.spool != nil {
		return l.spool, nil
	}
	s, err := transport.OpenSpool(filepath.Join(l.dataDir, "spool", l.name))
	if err != nil {
		return nil, err
	}
	l.spool = s
	return s, nil
}

// durableDepth is how many frames wait on the durable tiers.
func (l *laneSet) durableDepth() int {
	l.mu.Lock()
	mmq, spool := l.mmq, l.spool
	l.mu.Unlock()
	n := 0
	if mmq != nil {
		n += mmq.Depth()
	}
	if spool != nil {
		n += spool.Depth()
	}
	return n
}

// popDurable takes the oldest spilled frame, mapped queue first.
func (l *laneSet) popDurable() (*protocol.Frame, error) {
	l.mu.Lock()
	mmq, spool := l.mmq, l.spool
	l.mu.Unlock()

	if mmq != nil {
		f, err := mmq.Pop()
		if err != nil || f != nil {
			return f, err
		}
	}
	if spool != nil {
		return spool.Pop()
	}
	return nil, nil
}

// close tears the lane set down. Durable files stay on disk so a
// reattaching agent can drain them.
func (l *laneSet) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	ring, mmq, spool := l.ring, l.mmq, l.spool
	l.ring, l.mmq, l.spool = nil, nil, nil
	close(l.closedCh)
	l.mu.Unlock()

	if ring != nil {
		ring.Close()
	}
	if mmq != nil {
		mmq.Close()
	}
	if spool != nil {
		spool.Close()
	}
}

// signedCopy clones the frame and signs it for the recipient. Without a
// key the integrity flag is cleared; the local runtime path is trusted.
func signedCopy(f *protocol.Frame, key []byte) (*protocol.Frame, error) {
	hdr := *f.Header
	cp := &protocol.Frame{Header: &hdr, Payload: f.Payload}
	if len(key) == 0 {
		hdr.ClearFlag(protocol.FlagHMACPresent)
		hdr.HMAC = [32]byte{}
		return cp, nil
	}
	if err := protocol.SignFrame(cp, key); err != nil {
		return nil, err
	}
	return cp, nil
}
