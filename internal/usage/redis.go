package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists usage records in a Redis list per owner. RPUSH is
// atomic, so each record is either fully appended or not at all.
type RedisStore struct {
	client     *redis.Client
	maxRecords int64
}

// NewRedisStore creates a Redis-backed ledger store. maxRecords bounds the
// list per owner; zero means 10000.
func NewRedisStore(client *redis.Client, maxRecords int) *RedisStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &RedisStore{client: client, maxRecords: int64(maxRecords)}
}

func usageKey(owner string) string {
	return fmt.Sprintf("usage:%s", owner)
}

func (s *RedisStore) Append(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	key := usageKey(rec.OwnerID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxRecords, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (s *RedisStore) Records(ctx context.Context, owner string, from, to time.Time) ([]Record, error) {
	raw, err := s.client.LRange(ctx, usageKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	var out []Record
	for _, item := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record: %w", err)
		}
		if rec.Timestamp.Before(from) || !rec.Timestamp.Before(to) {
			continue
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
