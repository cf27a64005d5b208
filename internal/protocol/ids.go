package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageID is a 16-byte ULID: the first 6 bytes carry a big-endian
// millisecond timestamp, the last 10 bytes are random. IDs from the same
// process sort by creation time at millisecond granularity.
type MessageID [16]byte

// NewMessageID creates a time-ordered message ID.
//
// This implementation does not guarantee monotonic ordering within the
// same millisecond. It is safe to use across goroutines.
func NewMessageID() MessageID {
	var id MessageID

	ms := uint64(time.Now().UTC().UnixMilli())
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	if _, err := rand.Read(id[6:]); err != nil {
		panic(fmt.Errorf("failed to generate message id: %w", err))
	}

	return id
}

// IsZero reports whether the ID is all zeros (an absent correlation ID).
func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

// Time returns the embedded millisecond timestamp.
func (id MessageID) Time() time.Time {
	ms := uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 |
		uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5])
	return time.UnixMilli(int64(ms)).UTC()
}

// String renders the ID in UUID form for logs and APIs.
func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

// ParseMessageID accepts either the UUID form or 32 hex characters.
func ParseMessageID(s string) (MessageID, error) {
	var id MessageID
	if len(s) == 32 {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return id, fmt.Errorf("invalid message id %q: %w", s, err)
		}
		copy(id[:], raw)
		return id, nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return id, fmt.Errorf("invalid message id %q: %w", s, err)
	}
	copy(id[:], u[:])
	return id, nil
}
