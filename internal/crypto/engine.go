package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key size in bytes.
	KeySize = 32

	// NonceSize is the GCM nonce size in bytes.
	NonceSize = 12
)

// ErrIntegrity is returned when authentication tag verification fails
// during decryption: wrong key, corrupted ciphertext, or tampering.
// It is terminal for the call; callers must not retry.
var ErrIntegrity = errors.New("ciphertext integrity check failed")

// Engine performs authenticated symmetric encryption of secret material.
// It holds no key state; the caller supplies a derived key per operation so
// that no decryption capability ever rests with the server alone.
type Engine struct{}

// NewEngine creates a new crypto engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Encrypt seals plaintext under the given 32-byte key using AES-256-GCM
// with a fresh random nonce. It returns the ciphertext (including the GCM
// tag) and the nonce separately so the store can persist them as a pair.
func (e *Engine) Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext produced by Encrypt. A failed tag check yields
// ErrIntegrity, never a wrong-but-plausible plaintext.
//
// The returned plaintext is the only copy; callers own its lifetime and
// should wipe it with Zero once the secret has been used.
func (e *Engine) Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrIntegrity, len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d (want %d)", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// Zero overwrites b in place. Used to scrub decrypted secrets and derived
// keys before their buffers are released.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
