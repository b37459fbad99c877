package account

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	byEmail map[string]*Account
	byID    map[string]*Account
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEmail: make(map[string]*Account),
		byID:    make(map[string]*Account),
	}
}

func (m *MemoryStore) Create(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[acct.Email]; ok {
		return ErrDuplicateEmail
	}
	cp := copyAccount(acct)
	m.byEmail[acct.Email] = cp
	m.byID[acct.ID] = cp
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, email string, units int64, reference, currency string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.byEmail[email]
	if !ok {
		return nil, ErrAccountNotFound
	}

	now := time.Now()
	acct.Balance += units
	acct.Purchases = append(acct.Purchases, Purchase{
		Units:     units,
		Reference: reference,
		Currency:  currency,
		CreatedAt: now,
	})
	acct.UpdatedAt = now
	return copyAccount(acct), nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.byEmail[email]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

// copyAccount returns a deep copy so callers cannot mutate the stored
// purchase-history backing array.
func copyAccount(a *Account) *Account {
	cp := *a
	if a.Purchases != nil {
		cp.Purchases = make([]Purchase, len(a.Purchases))
		copy(cp.Purchases, a.Purchases)
	}
	return &cp
}
