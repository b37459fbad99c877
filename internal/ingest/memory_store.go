package ingest

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory processed-payment store for development
// and tests.
type MemoryStore struct {
	mu      sync.Mutex
	claimed map[string]claim
}

type claim struct {
	source    string
	claimedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claimed: make(map[string]claim),
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, reference, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claimed[reference]; ok {
		return false, nil
	}
	s.claimed[reference] = claim{source: source, claimedAt: time.Now()}
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claimed, reference)
	return nil
}
