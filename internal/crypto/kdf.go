package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltSize is the per-entry KDF salt size in bytes.
	SaltSize = 16
)

// KDFParams holds Argon2id cost parameters. The same parameters must be
// used for derivation at create time and at every subsequent use; they are
// persisted implicitly via configuration, not per entry.
type KDFParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
}

// DefaultKDFParams are the recommended Argon2id parameters for
// interactive use.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

// DeriveKey derives a 32-byte AES key from an owner passphrase and a
// per-entry salt using Argon2id. The derived key is never persisted; the
// server holds only salts and ciphertext, so vault contents cannot be
// decrypted without the owner-supplied passphrase.
func DeriveKey(passphrase string, salt []byte, params KDFParams) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt length %d (want %d)", len(salt), SaltSize)
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Threads, KeySize)
	return key, nil
}

// NewSalt generates a random KDF salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
