// Package ledger records immutable financial events for marketplace users.
//
// Entries are append-only: only the status field may change, and only
// until it reaches a terminal value. Every entry references the payment
// record that produced it, which is what makes derived summaries safe to
// rebuild from scratch.
package ledger

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

var (
	ErrEntryNotFound  = errors.New("ledger entry not found")
	ErrEntryFinalized = errors.New("ledger entry already in a terminal status")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// EntryType classifies a financial event.
type EntryType string

const (
	TypePaymentSent     EntryType = "payment_sent"
	TypePaymentReceived EntryType = "payment_received"
	TypeWithdrawal      EntryType = "withdrawal"
	TypeDeposit         EntryType = "deposit"
	TypeRefund          EntryType = "refund"
	TypeEscrowRelease   EntryType = "escrow_release"
)

// EntryStatus tracks an entry's lifecycle.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
	StatusCancelled EntryStatus = "cancelled"
)

// IsTerminal returns true for statuses that can no longer change.
func (s EntryStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Entry is one immutable financial event.
type Entry struct {
	ID             string      `json:"id"`
	UserID         string      `json:"userId"`
	Type           EntryType   `json:"type"`
	Amount         string      `json:"amount"`
	Currency       string      `json:"currency"`
	Status         EntryStatus `json:"status"`
	CounterpartyID string      `json:"counterpartyId,omitempty"`
	PaymentID      string      `json:"paymentId,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Store persists ledger entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// UpdateStatus moves a non-terminal entry to a new status.
	UpdateStatus(ctx context.Context, id string, status EntryStatus) error
	// ListByUser returns all entries for a user, oldest first.
	// Full-history reads feed the earnings recompute.
	ListByUser(ctx context.Context, userID string) ([]*Entry, error)
	ListByPayment(ctx context.Context, paymentID string) ([]*Entry, error)
}

// Ledger manages the transaction history.
type Ledger struct {
	store Store
}

// New creates a new transaction ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Record appends a new entry, assigning its ID and timestamps.
func (l *Ledger) Record(ctx context.Context, userID string, entryType EntryType, amount, currency string, status EntryStatus, counterpartyID, paymentID string) (*Entry, error) {
	now := time.Now()
	entry := &Entry{
		ID:             generateEntryID(),
		UserID:         userID,
		Type:           entryType,
		Amount:         amount,
		Currency:       currency,
		Status:         status,
		CounterpartyID: counterpartyID,
		PaymentID:      paymentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return entry, nil
}

// Finalize moves an entry to a terminal status.
func (l *Ledger) Finalize(ctx context.Context, id string, status EntryStatus) error {
	return l.store.UpdateStatus(ctx, id, status)
}

// History returns all entries for a user, oldest first.
func (l *Ledger) History(ctx context.Context, userID string) ([]*Entry, error) {
	return l.store.ListByUser(ctx, userID)
}

// ForPayment returns all entries referencing a payment record.
func (l *Ledger) ForPayment(ctx context.Context, paymentID string) ([]*Entry, error) {
	return l.store.ListByPayment(ctx, paymentID)
}

func generateEntryID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("txn_%x", b)
}
