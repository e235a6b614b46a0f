package vault

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kenneth/unikey-gateway/internal/crypto"
)

// MemoryStore is an in-memory vault store used for tests and single-node
// deployments. Entries are copied on read so a concurrent rotation never
// hands a reader a half-updated ciphertext+nonce pair.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Entry // owner -> normalized slug -> entry
	engine  *crypto.Engine
	kdf     crypto.KDFParams
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(engine *crypto.Engine, kdf crypto.KDFParams) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]*Entry),
		engine:  engine,
		kdf:     kdf,
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *MemoryStore) Create(ctx context.Context, p CreateParams, passphrase string) (*Entry, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	ciphertext, nonce, err := sealSecret(s.engine, p.Secret, passphrase, salt, s.kdf)
	if err != nil {
		return nil, err
	}

	slug := NormalizeSlug(p.Slug)

	s.mu.Lock()
	defer s.mu.Unlock()

	owned := s.entries[p.OwnerID]
	if owned == nil {
		owned = make(map[string]*Entry)
		s.entries[p.OwnerID] = owned
	}
	if _, exists := owned[slug]; exists {
		return nil, ErrDuplicateSlug
	}

	entry := &Entry{
		OwnerID:    p.OwnerID,
		Slug:       slug,
		Provider:   p.Provider,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeySalt:    salt,
		BaseURL:    p.BaseURL,
		CreatedAt:  s.now().UTC(),
		ExpiresAt:  p.ExpiresAt,
		Status:     StatusActive,
	}
	owned[slug] = entry

	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) GetForUse(ctx context.Context, owner, slug, passphrase string) (*Entry, []byte, error) {
	s.mu.RLock()
	entry, ok := s.entries[owner][NormalizeSlug(slug)]
	var cp Entry
	if ok {
		cp = *entry
	}
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrNotFound
	}

	if err := checkUsable(&cp, s.now()); err != nil {
		if err == ErrExpired && cp.Status != StatusExpired {
			s.markExpired(owner, cp.Slug)
		}
		return nil, nil, err
	}

	secret, err := openSecret(s.engine, &cp, passphrase, s.kdf)
	if err != nil {
		return nil, nil, err
	}
	return &cp, secret, nil
}

func (s *MemoryStore) Rotate(ctx context.Context, owner, slug, newSecret, passphrase string) (*Entry, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	ciphertext, nonce, err := sealSecret(s.engine, newSecret, passphrase, salt, s.kdf)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[owner][NormalizeSlug(slug)]
	if !ok {
		return nil, ErrNotFound
	}
	if entry.Status == StatusRevoked {
		return nil, ErrRevoked
	}

	// Ciphertext, nonce and salt replaced under the write lock; readers
	// copy under the read lock, so they see old or new, never a mix.
	entry.Ciphertext = ciphertext
	entry.Nonce = nonce
	entry.KeySalt = salt
	entry.Status = StatusActive

	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, owner, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[owner][NormalizeSlug(slug)]
	if !ok {
		return ErrNotFound
	}
	entry.Status = StatusRevoked
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, owner, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	slug = NormalizeSlug(slug)
	if _, ok := s.entries[owner][slug]; !ok {
		return ErrNotFound
	}
	delete(s.entries[owner], slug)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, owner string) ([]Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]Meta, 0, len(s.entries[owner]))
	for _, entry := range s.entries[owner] {
		metas = append(metas, entry.Meta())
	}
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].Slug < metas[j].Slug
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})
	return metas, nil
}

func (s *MemoryStore) markExpired(owner, slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[owner][slug]; ok && entry.Status == StatusActive {
		entry.Status = StatusExpired
	}
}
