package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment record store for development and
// tests. Conditional transitions are emulated under a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*PaymentRecord
	order   []string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*PaymentRecord),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.records {
		if existing.TaskID == rec.TaskID && existing.IsActive() {
			return ErrTaskAlreadyEscrowed
		}
	}

	s.records[rec.ID] = copyRecord(rec)
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) GetByTask(ctx context.Context, taskID string) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Newest record for the task wins
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if rec.TaskID == taskID {
			return copyRecord(rec), nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PaymentRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.BuyerID == userID || rec.SellerID == userID {
			out = append(out, copyRecord(rec))
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimRelease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if rec.Status != StatusEscrowed || rec.EscrowStatus != EscrowHeld {
		return ErrInvalidTransition
	}
	rec.EscrowStatus = EscrowPendingRelease
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RevertRelease(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrPaymentNotFound
	}
	if rec.Status != StatusEscrowed || rec.EscrowStatus != EscrowPendingRelease {
		return ErrInvalidTransition
	}
	rec.EscrowStatus = EscrowHeld
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CompleteRelease(ctx context.Context, id, releaseHash, completedBy string, at time.Time) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if rec.Status != StatusEscrowed || rec.EscrowStatus != EscrowPendingRelease {
		return nil, ErrInvalidTransition
	}
	rec.Status = StatusCompleted
	rec.EscrowStatus = EscrowReleased
	rec.ReleaseHash = releaseHash
	rec.CompletedBy = completedBy
	completedAt := at
	rec.CompletedAt = &completedAt
	rec.UpdatedAt = at
	return copyRecord(rec), nil
}

func (s *MemoryStore) MarkDisputed(ctx context.Context, id, raisedBy, reason string, at time.Time) (*PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if rec.Status != StatusEscrowed && rec.Status != StatusCompleted {
		return nil, ErrInvalidTransition
	}
	if rec.EscrowStatus == EscrowPendingRelease {
		return nil, ErrInvalidTransition
	}
	rec.Status = StatusDisputed
	rec.DisputedBy = raisedBy
	rec.DisputeReason = reason
	disputedAt := at
	rec.DisputedAt = &disputedAt
	rec.UpdatedAt = at
	return copyRecord(rec), nil
}

func copyRecord(rec *PaymentRecord) *PaymentRecord {
	c := *rec
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		c.CompletedAt = &t
	}
	if rec.DisputedAt != nil {
		t := *rec.DisputedAt
		c.DisputedAt = &t
	}
	return &c
}
