package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length in bytes. Every key handled by the
// store is exactly this size.
const KeySize = 32

var (
	ErrInvalidKey      = errors.New("invalid key length")
	ErrCiphertextShort = errors.New("ciphertext too short")
)

// Encrypt seals plaintext with AES-256-GCM. The returned blob is
// nonce || ciphertext and carries the GCM tag, so Decrypt needs nothing
// beyond the blob and a candidate key.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// Decrypt opens a blob produced by Encrypt. An authentication failure means
// wrong key or tampered ciphertext; callers use that as the sole signal to
// try the next key in the ring.
func Decrypt(key, blob []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(blob) < ns {
		return nil, ErrCiphertextShort
	}
	return gcm.Open(nil, blob[:ns], blob[ns:], nil)
}

// EncodeKey renders raw key bytes in the URL-safe form used by the
// key-history file.
func EncodeKey(key []byte) string {
	return base64.URLEncoding.EncodeToString(key)
}

// DecodeKey parses a URL-safe encoded key and enforces the key size.
func DecodeKey(s string) ([]byte, error) {
	b, err := base64.URLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), KeySize)
	}
	return b, nil
}

// Wipe zeroes key material in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
