package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	keyFileName   = "auth.key"
	frameKeyBytes = 32
	frameKeyInfo  = "core/v1 frame hmac"

	// How long a rotated-out verification key stays valid.
	rotationGrace = 24 * time.Hour
)

// keyFile is the on-disk format for the signing material, written 0600 under
// the data directory.
type keyFile struct {
	KeyID     string `json:"key_id"`
	Seed      string `json:"seed"`       // base64 ed25519 seed
	FrameSeed string `json:"frame_seed"` // base64 HKDF master secret
}

// Keyring holds the Ed25519 token signing key and the master secret that
// per-session frame HMAC keys are derived from.
type Keyring struct {
	mu         sync.RWMutex
	active     ed25519.PrivateKey
	activeID   string
	previous   ed25519.PublicKey
	previousID string
	graceUntil time.Time
	frameSeed  []byte
}

// NewKeyring loads the signing material from dataDir, generating and
// persisting a fresh key on first start.
func NewKeyring(dataDir string) (*Keyring, error) {
	path := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		var kf keyFile
		if err := json.Unmarshal(data, &kf); err != nil {
			return nil, fmt.Errorf("parse key file %s: %w", path, err)
		}
		seed, err := base64.StdEncoding.DecodeString(kf.Seed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: invalid seed", path)
		}
		frameSeed, err := base64.StdEncoding.DecodeString(kf.FrameSeed)
		if err != nil || len(frameSeed) == 0 {
			return nil, fmt.Errorf("key file %s: invalid frame seed", path)
		}
		return &Keyring{
			active:    ed25519.NewKeyFromSeed(seed),
			activeID:  kf.KeyID,
			frameSeed: frameSeed,
		}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	k, err := generateKeyring()
	if err != nil {
		return nil, err
	}
	if err := k.persist(path); err != nil {
		return nil, err
	}
	return k, nil
}

// NewEphemeralKeyring generates an in-memory keyring. Used by tests and by
// cores running without a data directory.
func NewEphemeralKeyring() (*Keyring, error) {
	return generateKeyring()
}

func generateKeyring() (*Keyring, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	frameSeed := make([]byte, frameKeyBytes)
	if _, err := rand.Read(frameSeed); err != nil {
		return nil, fmt.Errorf("generate frame seed: %w", err)
	}
	return &Keyring{
		active:    priv,
		activeID:  newKeyID(priv.Public().(ed25519.PublicKey)),
		frameSeed: frameSeed,
	}, nil
}

func (k *Keyring) persist(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	kf := keyFile{
		KeyID:     k.activeID,
		Seed:      base64.StdEncoding.EncodeToString(k.active.Seed()),
		FrameSeed: base64.StdEncoding.EncodeToString(k.frameSeed),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file %s: %w", path, err)
	}
	return nil
}

// newKeyID derives a short stable identifier from the public key.
func newKeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// ActiveKeyID returns the identifier placed in the JWT kid header.
func (k *Keyring) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.activeID
}

// Signer returns the private key used to sign new tokens.
func (k *Keyring) Signer() ed25519.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// VerificationKey resolves a kid header to a public key. The previous key
// remains resolvable for the rotation grace window.
func (k *Keyring) VerificationKey(keyID string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if keyID == k.activeID {
		return k.active.Public().(ed25519.PublicKey), nil
	}
	if keyID == k.previousID && k.previous != nil && time.Now().Before(k.graceUntil) {
		return k.previous, nil
	}
	return nil, fmt.Errorf("unknown key id %q", keyID)
}

// Rotate replaces the signing key. Tokens signed with the outgoing key stay
// verifiable for the grace window.
func (k *Keyring) Rotate() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous = k.active.Public().(ed25519.PublicKey)
	k.previousID = k.activeID
	k.graceUntil = time.Now().Add(rotationGrace)
	k.active = priv
	k.activeID = newKeyID(priv.Public().(ed25519.PublicKey))
	return nil
}

// SessionKey derives the per-session frame HMAC key from the master secret
// and the token ID. Both sides of a session derive the same key, so frames
// never carry key material.
func (k *Keyring) SessionKey(tokenID string) ([]byte, error) {
	k.mu.RLock()
	seed := k.frameSeed
	k.mu.RUnlock()

	r := hkdf.New(sha256.New, seed, []byte(tokenID), []byte(frameKeyInfo))
	key := make([]byte, frameKeyBytes)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}
