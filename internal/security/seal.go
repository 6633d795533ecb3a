// Package security seals secrets for storage at rest.
package security

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealOpen is returned when a sealed blob cannot be decrypted (wrong key or corrupt data).
var ErrSealOpen = errors.New("security: cannot open sealed data")

// Sealer encrypts and decrypts session credentials with XChaCha20-Poly1305.
// Callers must not log or persist plaintext credentials.
type Sealer struct {
	key []byte
}

// NewSealer returns a Sealer using the given 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("security: seal key must be 32 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k}, nil
}

// Seal encrypts plaintext. The random nonce is prepended to the returned blob.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Returns ErrSealOpen when the blob is
// too short, tampered with, or sealed under a different key.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrSealOpen
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealOpen
	}
	return plaintext, nil
}
