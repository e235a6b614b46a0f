package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps usage records in a bounded in-memory buffer per owner.
// Oldest records are dropped once the cap is reached.
type MemoryStore struct {
	mu         sync.Mutex
	records    map[string][]Record
	maxRecords int
}

// NewMemoryStore creates an in-memory ledger store. maxRecords bounds the
// buffer per owner; zero means 10000.
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &MemoryStore{
		records:    make(map[string][]Record),
		maxRecords: maxRecords,
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := append(s.records[rec.OwnerID], *rec)
	if len(owned) > s.maxRecords {
		owned = owned[len(owned)-s.maxRecords:]
	}
	s.records[rec.OwnerID] = owned
	return nil
}

func (s *MemoryStore) Records(ctx context.Context, owner string, from, to time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, rec := range s.records[owner] {
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
