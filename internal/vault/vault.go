// Package vault persists encrypted provider credentials. Plaintext secrets
// exist only transiently inside a single proxy call; the store holds
// ciphertext, nonce and KDF salt, never a decrypted field.
package vault

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kenneth/unikey-gateway/internal/crypto"
)

// Status is the lifecycle state of a vault entry.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

var (
	// ErrNotFound is returned when no entry exists for (owner, slug).
	ErrNotFound = errors.New("vault entry not found")
	// ErrDuplicateSlug is returned when create collides with an existing
	// slug for the same owner (case-insensitive).
	ErrDuplicateSlug = errors.New("slug already in use")
	// ErrExpired is returned when the entry is past its expiration time.
	ErrExpired = errors.New("vault entry expired")
	// ErrRevoked is returned when the entry has been revoked.
	ErrRevoked = errors.New("vault entry revoked")
)

// Entry is a persisted credential record. Ciphertext and Nonce are only
// ever replaced together (rotation); readers must never observe one
// without the matching other.
type Entry struct {
	OwnerID    string     `json:"owner_id"`
	Slug       string     `json:"slug"`
	Provider   string     `json:"provider"`
	Ciphertext []byte     `json:"ciphertext"`
	Nonce      []byte     `json:"nonce"`
	KeySalt    []byte     `json:"key_salt"`
	BaseURL    string     `json:"base_url,omitempty"` // custom provider only
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Status     Status     `json:"status"`
}

// Meta is the listing view of an entry: everything except secret material.
type Meta struct {
	OwnerID   string     `json:"owner_id"`
	Slug      string     `json:"slug"`
	Provider  string     `json:"provider"`
	BaseURL   string     `json:"base_url,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Status    Status     `json:"status"`
}

// Meta returns the non-secret view of the entry.
func (e *Entry) Meta() Meta {
	return Meta{
		OwnerID:   e.OwnerID,
		Slug:      e.Slug,
		Provider:  e.Provider,
		BaseURL:   e.BaseURL,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
		Status:    e.Status,
	}
}

// CreateParams are the inputs to Store.Create.
type CreateParams struct {
	OwnerID   string
	Slug      string
	Provider  string
	Secret    string
	BaseURL   string
	ExpiresAt *time.Time
}

// Store is the vault persistence interface. Implementations must provide
// atomic single-record semantics: a rotation commits ciphertext and nonce
// together or not at all.
type Store interface {
	// Create encrypts the secret under a key derived from passphrase and
	// stores a new entry. Fails with ErrDuplicateSlug on collision.
	Create(ctx context.Context, p CreateParams, passphrase string) (*Entry, error)

	// GetForUse returns the entry and its decrypted secret. Fails with
	// ErrNotFound, ErrExpired, ErrRevoked, or crypto.ErrIntegrity when the
	// passphrase does not match. The caller owns the returned secret and
	// must wipe it after use.
	GetForUse(ctx context.Context, owner, slug, passphrase string) (*Entry, []byte, error)

	// Rotate replaces the secret, committing ciphertext+nonce atomically.
	// Last rotate wins.
	Rotate(ctx context.Context, owner, slug, newSecret, passphrase string) (*Entry, error)

	// Revoke marks the entry revoked. Idempotent.
	Revoke(ctx context.Context, owner, slug string) error

	// Delete removes the entry permanently.
	Delete(ctx context.Context, owner, slug string) error

	// List returns metadata for all of the owner's entries, never secret
	// material. Ordered by creation time.
	List(ctx context.Context, owner string) ([]Meta, error)
}

// NormalizeSlug lowercases a slug for case-insensitive uniqueness.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// checkUsable enforces the lifecycle rules at read time. Expiration is
// checked lazily here rather than by a background sweep.
func checkUsable(e *Entry, now time.Time) error {
	if e.Status == StatusRevoked {
		return ErrRevoked
	}
	if e.Status == StatusExpired {
		return ErrExpired
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return ErrExpired
	}
	return nil
}

// sealSecret derives a key from the passphrase and encrypts the secret,
// wiping the derived key before returning.
func sealSecret(engine *crypto.Engine, secret, passphrase string, salt []byte, params crypto.KDFParams) (ciphertext, nonce []byte, err error) {
	key, err := crypto.DeriveKey(passphrase, salt, params)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(key)

	return engine.Encrypt([]byte(secret), key)
}

// openSecret derives a key and decrypts the entry's ciphertext, wiping the
// derived key before returning. The caller owns the plaintext.
func openSecret(engine *crypto.Engine, e *Entry, passphrase string, params crypto.KDFParams) ([]byte, error) {
	key, err := crypto.DeriveKey(passphrase, e.KeySalt, params)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(key)

	return engine.Decrypt(e.Ciphertext, e.Nonce, key)
}
