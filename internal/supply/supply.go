// Package supply tracks the globally-limited sellable brick supply.
//
// A single ledger row holds total and remaining units. The only mutation
// paths are a compare-and-swap style conditional decrement (TryReserve)
// and its compensation (Restore). Read-then-write is never permitted:
// the webhook and verify ingestion paths race for the same units.
package supply

import (
	"context"
	"errors"

	"github.com/oamen/brickpay/internal/metrics"
)

var (
	ErrInsufficientSupply = errors.New("insufficient supply")
	ErrNotProvisioned     = errors.New("supply ledger not provisioned")
	ErrInvalidUnits       = errors.New("invalid unit count")
)

// Snapshot is a point-in-time read of the supply ledger.
type Snapshot struct {
	TotalSupply     int64  `json:"totalSupply"`
	RemainingSupply int64  `json:"remainingSupply"`
	UnitPrice       string `json:"unitPrice"`
}

// Store persists the supply ledger singleton.
type Store interface {
	// Provision seeds the ledger row once; it is a no-op if already provisioned.
	Provision(ctx context.Context, total int64, unitPrice string) error
	// TryReserve atomically subtracts units if remaining >= units and
	// returns the new remaining count. On insufficient supply it returns
	// ErrInsufficientSupply and changes nothing.
	TryReserve(ctx context.Context, units int64) (int64, error)
	// Restore adds units back after a failed credit, capped at total supply.
	Restore(ctx context.Context, units int64) error
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Ledger manages the sellable supply.
type Ledger struct {
	store Store
}

// New creates a new supply ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Provision seeds the singleton row. Safe to call on every startup.
func (l *Ledger) Provision(ctx context.Context, total int64, unitPrice string) error {
	if total <= 0 {
		return ErrInvalidUnits
	}
	return l.store.Provision(ctx, total, unitPrice)
}

// TryReserve reserves units for a confirmed payment.
func (l *Ledger) TryReserve(ctx context.Context, units int64) (int64, error) {
	if units <= 0 {
		return 0, ErrInvalidUnits
	}

	remaining, err := l.store.TryReserve(ctx, units)
	if err != nil {
		if errors.Is(err, ErrInsufficientSupply) {
			metrics.SupplyExhaustedTotal.Inc()
		}
		return 0, err
	}

	metrics.SupplyReservedTotal.Add(float64(units))
	metrics.SupplyRemaining.Set(float64(remaining))
	return remaining, nil
}

// Restore returns units to the pool after a credit failed downstream.
func (l *Ledger) Restore(ctx context.Context, units int64) error {
	if units <= 0 {
		return ErrInvalidUnits
	}
	return l.store.Restore(ctx, units)
}

// Snapshot returns the current supply state.
func (l *Ledger) Snapshot(ctx context.Context) (*Snapshot, error) {
	return l.store.Snapshot(ctx)
}
