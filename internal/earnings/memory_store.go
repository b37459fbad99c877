package earnings

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory summary store for demo/development mode.
type MemoryStore struct {
	summaries map[string]*Summary
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory summary store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		summaries: make(map[string]*Summary),
	}
}

func (m *MemoryStore) Save(ctx context.Context, summary *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *summary
	m.summaries[summary.UserID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary, ok := m.summaries[userID]
	if !ok {
		return nil, ErrSummaryNotFound
	}
	cp := *summary
	return &cp, nil
}
