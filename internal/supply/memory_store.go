package supply

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory supply store for demo/development mode.
// The mutex gives the same all-or-nothing semantics the conditional
// UPDATE gives the Postgres store.
type MemoryStore struct {
	mu          sync.Mutex
	provisioned bool
	total       int64
	remaining   int64
	unitPrice   string
}

// NewMemoryStore creates a new in-memory supply store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Provision(ctx context.Context, total int64, unitPrice string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provisioned {
		return nil
	}
	m.provisioned = true
	m.total = total
	m.remaining = total
	m.unitPrice = unitPrice
	return nil
}

func (m *MemoryStore) TryReserve(ctx context.Context, units int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.provisioned {
		return 0, ErrNotProvisioned
	}
	if m.remaining < units {
		return 0, ErrInsufficientSupply
	}
	m.remaining -= units
	return m.remaining, nil
}

func (m *MemoryStore) Restore(ctx context.Context, units int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.provisioned {
		return ErrNotProvisioned
	}
	m.remaining += units
	if m.remaining > m.total {
		m.remaining = m.total
	}
	return nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.provisioned {
		return nil, ErrNotProvisioned
	}
	return &Snapshot{
		TotalSupply:     m.total,
		RemainingSupply: m.remaining,
		UnitPrice:       m.unitPrice,
	}, nil
}
