// Package crypto provides at-rest encryption for message text and
// metadata: AES-256-GCM with a random nonce per message, keyed by a
// single 32-byte master key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrKeyNotConfigured is returned by Envelope methods when no master key
// was supplied; callers fall back to plaintext storage.
var ErrKeyNotConfigured = errors.New("crypto: master key not configured")

// Envelope seals/opens values with a single AES-256-GCM master key.
type Envelope struct {
	gcm cipher.AEAD
}

// NewEnvelope builds an Envelope from a base64-encoded 32-byte key. An
// empty keyB64 yields a nil-able envelope: construction succeeds but
// every Seal/Open call reports ErrKeyNotConfigured, letting callers
// degrade to plaintext without special-casing the empty-key path.
func NewEnvelope(keyB64 string) (*Envelope, error) {
	if keyB64 == "" {
		return &Envelope{}, nil
	}

	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Envelope{gcm: gcm}, nil
}

// Configured reports whether a master key was supplied.
func (e *Envelope) Configured() bool { return e.gcm != nil }

// Seal encrypts plaintext, returning nonce||ciphertext.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	if e.gcm == nil {
		return nil, ErrKeyNotConfigured
	}
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func (e *Envelope) Open(blob []byte) ([]byte, error) {
	if e.gcm == nil {
		return nil, ErrKeyNotConfigured
	}
	n := e.gcm.NonceSize()
	if len(blob) < n {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ct := blob[:n], blob[n:]
	return e.gcm.Open(nil, nonce, ct, nil)
}

// SealString is a convenience wrapper for text fields.
func (e *Envelope) SealString(plaintext string) ([]byte, error) {
	return e.Seal([]byte(plaintext))
}

// OpenString is the inverse of SealString.
func (e *Envelope) OpenString(blob []byte) (string, error) {
	pt, err := e.Open(blob)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
