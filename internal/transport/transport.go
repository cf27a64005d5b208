// Package transport implements the five delivery tiers the router chooses
// between:
//
//	tier 1  shared-memory ring, mmap'd SPSC ring buffer on a local file
//	tier 2  unix stream socket on the listen path
//	tier 3  TCP stream, optionally under SPIFFE mTLS
//	tier 4  durable memory-mapped queue, survives restarts
//	tier 5  flat-file spool, one frame per file
//
// Tiers 1-3 are live paths to an attached agent. Tiers 4-5 are
// store-and-forward: frames rest on disk until the consumer drains them.
package transport

import (
	"errors"

	"github.com/planmesh/core/internal/protocol"
)

var (
	// ErrFrameTooLarge means the marshaled frame exceeds the ring capacity.
	ErrFrameTooLarge = errors.New("frame exceeds ring capacity")

	// ErrClosed means the endpoint was closed.
	ErrClosed = errors.New("transport closed")

	// ErrCorrupt means on-disk state failed validation.
	ErrCorrupt = errors.New("transport state corrupt")
)

// DurableQueue is the store-and-forward contract shared by the mapped queue
// and the spool. Pop returns (nil, nil) when the queue is empty.
type DurableQueue interface {
	Append(f *protocol.Frame) error
	Pop() (*protocol.Frame, error)
	Depth() int
	Close() error
}
