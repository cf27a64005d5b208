// Package protocol implements the fabric wire format: the fixed 152-byte
// frame header, message identifiers, and frame integrity tags.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"
)

// ============================================================================
// FRAME STRUCTURE (152-byte header)
// ============================================================================

// Magic bytes spell "PLAN" and identify a fabric frame
const (
	MagicByte0 uint8 = 0x50 // 'P'
	MagicByte1 uint8 = 0x4C // 'L'
	MagicByte2 uint8 = 0x41 // 'A'
	MagicByte3 uint8 = 0x4E // 'N'
)

// Version is the protocol version carried in every header (major.minor)
const Version uint16 = 0x0100

// HeaderSize is the size of the fixed frame header
const HeaderSize = 152

// MaxPayloadLen bounds a single frame payload
const MaxPayloadLen = 16 << 20

// NameSize is the width of the source and target name fields
const NameSize = 16

// ContentTypeSize is the width of the content-type tag field
const ContentTypeSize = 32

// Message exchange patterns
type Pattern uint16

const (
	PatternRequestResponse Pattern = 1
	PatternPublish         Pattern = 2
	PatternWorkQueue       Pattern = 3
	PatternBroadcast       Pattern = 4
	PatternMulticast       Pattern = 5
)

func (p Pattern) String() string {
	switch p {
	case PatternRequestResponse:
		return "REQUEST_RESPONSE"
	case PatternPublish:
		return "PUBLISH"
	case PatternWorkQueue:
		return "WORK_QUEUE"
	case PatternBroadcast:
		return "BROADCAST"
	case PatternMulticast:
		return "MULTICAST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(p))
	}
}

// Valid reports whether the pattern is one of the five defined exchanges.
func (p Pattern) Valid() bool {
	return p >= PatternRequestResponse && p <= PatternMulticast
}

// Message priority classes, strongest first
type Priority uint16

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
	PriorityBatch    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBatch:
		return "BATCH"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(p))
	}
}

// Valid reports whether the priority is one of the five defined classes.
func (p Priority) Valid() bool {
	return p <= PriorityBatch
}

// ParsePriority maps a class name to its Priority, case-insensitively.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return PriorityCritical, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	case "BATCH":
		return PriorityBatch, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Transport tiers, strongest first
type Tier uint8

const (
	TierSharedMemory Tier = 1 // single-host shared-memory ring
	TierKernelRing   Tier = 2 // kernel async path, unix stream socket
	TierStream       Tier = 3 // TCP stream socket
	TierMappedQueue  Tier = 4 // durable memory-mapped file queue
	TierFile         Tier = 5 // flat-file spool
)

func (t Tier) String() string {
	switch t {
	case TierSharedMemory:
		return "shm"
	case TierKernelRing:
		return "ring"
	case TierStream:
		return "stream"
	case TierMappedQueue:
		return "mmq"
	case TierFile:
		return "file"
	default:
		return fmt.Sprintf("tier-%d", uint8(t))
	}
}

// Valid reports whether the tier is one of the five defined levels.
func (t Tier) Valid() bool {
	return t >= TierSharedMemory && t <= TierFile
}

// MaxTier returns the strongest tier this priority class may occupy.
// Interactive classes reach the shared-memory ring; low-priority traffic
// stays off it and batch rides the durable queue.
func (p Priority) MaxTier() Tier {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal:
		return TierSharedMemory
	case PriorityLow:
		return TierStream
	default:
		return TierMappedQueue
	}
}

// Header flags
type FrameFlags uint16

const (
	FlagRequiresAck FrameFlags = 1 << 0
	FlagCritical    FrameFlags = 1 << 1
	FlagHMACPresent FrameFlags = 1 << 2

	// flagsReserved covers bits that must be zero on the wire
	flagsReserved FrameFlags = ^(FlagRequiresAck | FlagCritical | FlagHMACPresent)
)

// SetFlag sets a flag bit
func (h *FrameHeader) SetFlag(flag FrameFlags) {
	h.Flags |= flag
}

// ClearFlag clears a flag bit
func (h *FrameHeader) ClearFlag(flag FrameFlags) {
	h.Flags &^= flag
}

// HasFlag checks if a flag bit is set
func (h *FrameHeader) HasFlag(flag FrameFlags) bool {
	return h.Flags&flag != 0
}

// FrameHeader is the 152-byte fabric frame header
type FrameHeader struct {
	// Bytes 0-3: Magic bytes "PLAN"
	Magic [4]uint8

	// Bytes 4-5: Protocol version (0x0100)
	Version uint16

	// Bytes 6-7: Flags (bit0 requires_ack, bit1 critical, bit2 hmac_present)
	Flags FrameFlags

	// Bytes 8-15: Send time, nanoseconds since the Unix epoch
	Timestamp uint64

	// Bytes 16-31: Message ID (16-byte ULID)
	MessageID MessageID

	// Bytes 32-47: Correlation ID (zeros when absent)
	CorrelationID MessageID

	// Bytes 48-63: Source agent name (NUL-padded ASCII)
	Source [NameSize]byte

	// Bytes 64-79: Target agent name (all 0xFF for broadcast)
	Target [NameSize]byte

	// Bytes 80-81: Exchange pattern
	Pattern Pattern

	// Bytes 82-83: Priority class
	Priority Priority

	// Bytes 84-87: Payload length
	PayloadLen uint32

	// Bytes 88-119: Content-type tag (NUL-padded ASCII)
	ContentType [ContentTypeSize]byte

	// Bytes 120-151: HMAC-SHA256 over header+payload when bit2 is set
	HMAC [32]byte
}

// NewFrameHeader creates a header with magic, version, a fresh message ID,
// and the current timestamp filled in.
func NewFrameHeader() *FrameHeader {
	return &FrameHeader{
		Magic:     [4]uint8{MagicByte0, MagicByte1, MagicByte2, MagicByte3},
		Version:   Version,
		MessageID: NewMessageID(),
		Timestamp: uint64(time.Now().UnixNano()),
	}
}

// Validate checks magic, version, enum ranges, and reserved flag bits.
func (h *FrameHeader) Validate() error {
	if h.Magic[0] != MagicByte0 || h.Magic[1] != MagicByte1 ||
		h.Magic[2] != MagicByte2 || h.Magic[3] != MagicByte3 {
		return fmt.Errorf("invalid magic bytes: %02X %02X %02X %02X",
			h.Magic[0], h.Magic[1], h.Magic[2], h.Magic[3])
	}

	if h.Version != Version {
		return fmt.Errorf("unsupported version: 0x%04X (expected 0x%04X)", h.Version, Version)
	}

	if h.Flags&flagsReserved != 0 {
		return fmt.Errorf("reserved flag bits set: 0x%04X", uint16(h.Flags))
	}

	if !h.Pattern.Valid() {
		return fmt.Errorf("unknown pattern: %d", uint16(h.Pattern))
	}

	if !h.Priority.Valid() {
		return fmt.Errorf("unknown priority: %d", uint16(h.Priority))
	}

	if h.PayloadLen > MaxPayloadLen {
		return fmt.Errorf("payload length %d exceeds limit %d", h.PayloadLen, MaxPayloadLen)
	}

	return nil
}

// Marshal serializes the header to bytes
func (h *FrameHeader) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)

	// Write each field in order
	if err := binary.Write(buf, binary.BigEndian, h.Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Version); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Flags); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Timestamp); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.MessageID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.CorrelationID); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Source); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Target); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Pattern); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.Priority); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.PayloadLen); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.ContentType); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.BigEndian, h.HMAC); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal deserializes the header from bytes
func (h *FrameHeader) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("data too short: %d bytes (need %d)", len(data), HeaderSize)
	}

	buf := bytes.NewReader(data)

	if err := binary.Read(buf, binary.BigEndian, &h.Magic); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.Version); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.Flags); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.Timestamp); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.MessageID); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.CorrelationID); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.Source); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.Target); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.Pattern); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.Priority); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.PayloadLen); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.ContentType); err != nil {
		return err
	}
	if err := binary.Read(buf, binary.BigEndian, &h.HMAC); err != nil {
		return err
	}

	return nil
}

// ============================================================================
// NAME AND CONTENT-TYPE FIELDS
// ============================================================================

// broadcastTarget is the all-0xFF target address
var broadcastTarget = func() [NameSize]byte {
	var t [NameSize]byte
	for i := range t {
		t[i] = 0xFF
	}
	return t
}()

// BroadcastTarget returns the reserved all-0xFF target address.
func BroadcastTarget() [NameSize]byte {
	return broadcastTarget
}

// IsBroadcastTarget reports whether the address is the broadcast address.
func IsBroadcastTarget(t [NameSize]byte) bool {
	return t == broadcastTarget
}

// EncodeName packs an agent name into a NUL-padded field. Names are
// case-insensitive on the wire; the canonical form is lower case.
func EncodeName(name string) ([NameSize]byte, error) {
	var out [NameSize]byte
	if name == "" {
		return out, fmt.Errorf("empty name")
	}
	if len(name) > NameSize {
		return out, fmt.Errorf("name %q exceeds %d bytes", name, NameSize)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x21 || c > 0x7E {
			return out, fmt.Errorf("name %q contains non-printable byte 0x%02X", name, c)
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out, nil
}

// DecodeName unpacks a NUL-padded name field.
func DecodeName(field [NameSize]byte) string {
	n := 0
	for n < NameSize && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// EncodeContentType packs a content-type tag, truncating past the field width.
func EncodeContentType(ct string) [ContentTypeSize]byte {
	var out [ContentTypeSize]byte
	copy(out[:], ct)
	return out
}

// DecodeContentType unpacks a NUL-padded content-type field.
func DecodeContentType(field [ContentTypeSize]byte) string {
	n := 0
	for n < ContentTypeSize && field[n] != 0 {
		n++
	}
	return string(field[:n])
}

// ============================================================================
// FRAME (Header + Payload)
// ============================================================================

// Frame represents a complete fabric frame
type Frame struct {
	Header  *FrameHeader
	Payload []byte
}

// NewFrame creates a frame with the given pattern, priority, and payload.
func NewFrame(pattern Pattern, priority Priority, payload []byte) *Frame {
	header := NewFrameHeader()
	header.Pattern = pattern
	header.Priority = priority
	header.PayloadLen = uint32(len(payload))
	if priority == PriorityCritical {
		header.SetFlag(FlagCritical)
	}

	return &Frame{
		Header:  header,
		Payload: payload,
	}
}

// Marshal serializes the complete frame
func (f *Frame) Marshal() ([]byte, error) {
	headerBytes, err := f.Header.Marshal()
	if err != nil {
		return nil, err
	}

	result := make([]byte, len(headerBytes)+len(f.Payload))
	copy(result, headerBytes)
	copy(result[len(headerBytes):], f.Payload)

	return result, nil
}

// Unmarshal deserializes a complete frame
func (f *Frame) Unmarshal(data []byte) error {
	if f.Header == nil {
		f.Header = &FrameHeader{}
	}

	if err := f.Header.Unmarshal(data); err != nil {
		return err
	}

	if len(data) < HeaderSize+int(f.Header.PayloadLen) {
		return fmt.Errorf("payload too short: have %d bytes, need %d",
			len(data)-HeaderSize, f.Header.PayloadLen)
	}

	f.Payload = make([]byte, f.Header.PayloadLen)
	copy(f.Payload, data[HeaderSize:HeaderSize+int(f.Header.PayloadLen)])

	return nil
}

// SourceName returns the decoded source field.
func (f *Frame) SourceName() string {
	return DecodeName(f.Header.Source)
}

// TargetName returns the decoded target field.
func (f *Frame) TargetName() string {
	return DecodeName(f.Header.Target)
}

// ReadFrame reads and validates one frame from an io.Reader
func ReadFrame(r io.Reader) (*Frame, error) {
	// Read header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}

	header := &FrameHeader{}
	if err := header.Unmarshal(headerBuf); err != nil {
		return nil, err
	}

	if err := header.Validate(); err != nil {
		return nil, err
	}

	// Read payload
	payload := make([]byte, header.PayloadLen)
	if header.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Header:  header,
		Payload: payload,
	}, nil
}

// WriteFrame writes a frame to an io.Writer
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	return err
}
