package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kenneth/unikey-gateway/internal/crypto"
)

// RedisStore is a Redis-backed vault store. Each entry is a single JSON
// value, so ciphertext and nonce are always read and written together;
// rotation runs under WATCH so it serializes with concurrent writers.
type RedisStore struct {
	client *redis.Client
	engine *crypto.Engine
	kdf    crypto.KDFParams
	now    func() time.Time
}

// NewRedisStore creates a vault store on the given Redis client.
func NewRedisStore(client *redis.Client, engine *crypto.Engine, kdf crypto.KDFParams) *RedisStore {
	return &RedisStore{
		client: client,
		engine: engine,
		kdf:    kdf,
		now:    time.Now,
	}
}

// SetClock overrides the store's clock. Test hook.
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func entryKey(owner, slug string) string {
	return fmt.Sprintf("vault:%s:%s", owner, slug)
}

func indexKey(owner string) string {
	return fmt.Sprintf("vault:%s:slugs", owner)
}

func (s *RedisStore) Create(ctx context.Context, p CreateParams, passphrase string) (*Entry, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	ciphertext, nonce, err := sealSecret(s.engine, p.Secret, passphrase, salt, s.kdf)
	if err != nil {
		return nil, err
	}

	slug := NormalizeSlug(p.Slug)
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

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}

	// Entry and index commit together; a partial write would leave a key
	// that retrieval finds but listing never shows. SAdd is idempotent, so
	// re-indexing on a duplicate is harmless.
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, entryKey(p.OwnerID, slug), data, 0)
		pipe.SAdd(ctx, indexKey(p.OwnerID), slug)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store entry: %w", err)
	}
	if !created.Val() {
		return nil, ErrDuplicateSlug
	}

	return entry, nil
}

func (s *RedisStore) getEntry(ctx context.Context, owner, slug string) (*Entry, error) {
	data, err := s.client.Get(ctx, entryKey(owner, slug)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisStore) GetForUse(ctx context.Context, owner, slug, passphrase string) (*Entry, []byte, error) {
	slug = NormalizeSlug(slug)
	entry, err := s.getEntry(ctx, owner, slug)
	if err != nil {
		return nil, nil, err
	}

	if err := checkUsable(entry, s.now()); err != nil {
		if err == ErrExpired && entry.Status != StatusExpired {
			s.setStatus(ctx, owner, slug, StatusExpired)
		}
		return nil, nil, err
	}

	secret, err := openSecret(s.engine, entry, passphrase, s.kdf)
	if err != nil {
		return nil, nil, err
	}
	return entry, secret, nil
}

func (s *RedisStore) Rotate(ctx context.Context, owner, slug, newSecret, passphrase string) (*Entry, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	ciphertext, nonce, err := sealSecret(s.engine, newSecret, passphrase, salt, s.kdf)
	if err != nil {
		return nil, err
	}

	slug = NormalizeSlug(slug)
	key := entryKey(owner, slug)

	var rotated *Entry
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load entry: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		if entry.Status == StatusRevoked {
			return ErrRevoked
		}

		entry.Ciphertext = ciphertext
		entry.Nonce = nonce
		entry.KeySalt = salt
		entry.Status = StatusActive

		out, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		rotated = &entry
		return nil
	}

	// Bounded optimistic retries; last rotate wins on contention.
	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rotated, nil
	}
	return nil, fmt.Errorf("rotation contention on %s", slug)
}

func (s *RedisStore) Revoke(ctx context.Context, owner, slug string) error {
	return s.setStatus(ctx, owner, NormalizeSlug(slug), StatusRevoked)
}

func (s *RedisStore) setStatus(ctx context.Context, owner, slug string, status Status) error {
	key := entryKey(owner, slug)
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load entry: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		entry.Status = status

		out, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("status update contention on %s", slug)
}

func (s *RedisStore) Delete(ctx context.Context, owner, slug string) error {
	slug = NormalizeSlug(slug)
	deleted, err := s.client.Del(ctx, entryKey(owner, slug)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return s.client.SRem(ctx, indexKey(owner), slug).Err()
}

func (s *RedisStore) List(ctx context.Context, owner string) ([]Meta, error) {
	slugs, err := s.client.SMembers(ctx, indexKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	metas := make([]Meta, 0, len(slugs))
	for _, slug := range slugs {
		entry, err := s.getEntry(ctx, owner, slug)
		if err == ErrNotFound {
			// Index can lag a delete; skip.
			continue
		}
		if err != nil {
			return nil, err
		}
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
