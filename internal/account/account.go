// Package account tracks buyer accounts and their brick purchase history.
//
// Accounts are keyed by normalized email and created lazily on the first
// successful credit. Two ingestion paths may race to create the same
// account; the loser of the unique-constraint race retries the lookup
// once and applies its credit to the winner's row. The race is resolved
// internally and never surfaced to callers as an error.
package account

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oamen/brickpay/internal/metrics"
	"github.com/oamen/brickpay/internal/validation"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrDuplicateEmail  = errors.New("account already exists for email")
	ErrInvalidUnits    = errors.New("invalid unit count")
	ErrInvalidEmail    = errors.New("invalid email")
)

// Purchase is one entry in an account's purchase history.
type Purchase struct {
	Units     int64     `json:"units"`
	Reference string    `json:"reference"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"createdAt"`
}

// Account is a buyer account holding purchased brick units.
type Account struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Balance   int64      `json:"balance"`
	Purchases []Purchase `json:"purchases,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Store persists accounts.
type Store interface {
	// Create inserts a new account. Returns ErrDuplicateEmail if another
	// account with the same normalized email already exists.
	Create(ctx context.Context, acct *Account) error
	// Credit increments the balance and appends a purchase entry.
	Credit(ctx context.Context, email string, units int64, reference, currency string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	Get(ctx context.Context, id string) (*Account, error)
}

// Accounts implements account business logic.
type Accounts struct {
	store Store
}

// New creates a new account service.
func New(store Store) *Accounts {
	return &Accounts{store: store}
}

// CreditOrCreate credits units to the account for email, creating the
// account if it does not exist. The returned bool reports whether a
// creation race was resolved by retrying the lookup.
func (a *Accounts) CreditOrCreate(ctx context.Context, email string, units int64, reference, currency string) (*Account, bool, error) {
	if units <= 0 {
		return nil, false, ErrInvalidUnits
	}
	email = validation.NormalizeEmail(email)
	if !validation.IsValidEmail(email) {
		return nil, false, ErrInvalidEmail
	}

	_, err := a.store.GetByEmail(ctx, email)
	if err == nil {
		credited, err := a.store.Credit(ctx, email, units, reference, currency)
		return credited, false, err
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, false, err
	}

	now := time.Now()
	fresh := &Account{
		ID:      generateAccountID(),
		Email:   email,
		Balance: units,
		Purchases: []Purchase{{
			Units:     units,
			Reference: reference,
			Currency:  currency,
			CreatedAt: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = a.store.Create(ctx, fresh)
	if err == nil {
		return fresh, false, nil
	}
	if !errors.Is(err, ErrDuplicateEmail) {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	// Lost the creation race: another caller inserted the row between our
	// lookup and insert. Exactly one retry against the existing record.
	metrics.AccountRaceRetriesTotal.Inc()
	credited, err := a.store.Credit(ctx, email, units, reference, currency)
	if err != nil {
		return nil, true, fmt.Errorf("failed to credit after creation race: %w", err)
	}
	return credited, true, nil
}

// GetByEmail returns the account for a normalized email.
func (a *Accounts) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return a.store.GetByEmail(ctx, validation.NormalizeEmail(email))
}

// Get returns an account by ID.
func (a *Accounts) Get(ctx context.Context, id string) (*Account, error) {
	return a.store.Get(ctx, id)
}

func generateAccountID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("acct_%x", b)
}
