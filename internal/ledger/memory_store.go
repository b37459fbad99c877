package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	entries map[string]*Entry
	order   []string // insertion order, stable for equal timestamps
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.entries[entry.ID] = &cp
	m.order = append(m.order, entry.ID)
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, status EntryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.Status.IsTerminal() {
		return ErrEntryFinalized
	}
	entry.Status = status
	entry.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.UserID == userID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, id := range m.order {
		e := m.entries[id]
		if e.PaymentID == paymentID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}
