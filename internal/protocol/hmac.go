package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// ============================================================================
// FRAME INTEGRITY (HMAC-SHA256)
// ============================================================================

// hmacOffset is where the integrity tag sits inside the marshalled header.
// The tag covers everything before it, plus the payload.
const hmacOffset = HeaderSize - 32

// SignFrame computes the integrity tag over header+payload, stores it in
// the header, and sets the hmac_present flag. The flag is set before the
// tag is computed so it is covered by it.
func SignFrame(f *Frame, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("empty integrity key")
	}

	f.Header.SetFlag(FlagHMACPresent)

	tag, err := frameTag(f, key)
	if err != nil {
		return err
	}
	copy(f.Header.HMAC[:], tag)
	return nil
}

// VerifyFrame recomputes the tag and compares it in constant time.
// Frames without the hmac_present flag fail verification.
func VerifyFrame(f *Frame, key []byte) bool {
	if !f.Header.HasFlag(FlagHMACPresent) {
		return false
	}

	tag, err := frameTag(f, key)
	if err != nil {
		return false
	}

	return hmac.Equal(tag, f.Header.HMAC[:])
}

func frameTag(f *Frame, key []byte) ([]byte, error) {
	headerBytes, err := f.Header.Marshal()
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(headerBytes[:hmacOffset])
	mac.Write(f.Payload)
	return mac.Sum(nil), nil
}
