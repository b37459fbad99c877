// Package earnings derives seller balance summaries from the transaction ledger.
//
// Summaries are never maintained incrementally: every recompute scans the
// user's full entry history and overwrites the stored summary. The extra
// reads buy drift-resistance; the stored row is a cache of the ledger,
// never a write source.
package earnings

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/oamen/brickpay/internal/ledger"
	"github.com/oamen/brickpay/internal/money"
)

var ErrSummaryNotFound = errors.New("earnings summary not found")

// Summary holds a seller's derived balances. availableBalance always
// equals totalEarned - totalWithdrawn - pendingEarnings after a recompute.
type Summary struct {
	UserID           string    `json:"userId"`
	TotalEarned      string    `json:"totalEarned"`
	TotalWithdrawn   string    `json:"totalWithdrawn"`
	AvailableBalance string    `json:"availableBalance"`
	PendingEarnings  string    `json:"pendingEarnings"`
	RecomputedAt     time.Time `json:"recomputedAt"`
}

// Store persists derived summaries.
type Store interface {
	// Save overwrites any prior summary for the user.
	Save(ctx context.Context, summary *Summary) error
	Get(ctx context.Context, userID string) (*Summary, error)
}

// Aggregator recomputes summaries from ledger history.
type Aggregator struct {
	entries *ledger.Ledger
	store   Store
}

// New creates a new earnings aggregator.
func New(entries *ledger.Ledger, store Store) *Aggregator {
	return &Aggregator{entries: entries, store: store}
}

// Recompute derives a fresh summary from the user's full transaction
// history and persists it, overwriting any prior value.
func (a *Aggregator) Recompute(ctx context.Context, userID string) (*Summary, error) {
	history, err := a.entries.History(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction history: %w", err)
	}

	summary := Derive(userID, history)
	if err := a.store.Save(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to persist earnings summary: %w", err)
	}
	return summary, nil
}

// Get returns the stored summary, recomputing if none exists yet.
func (a *Aggregator) Get(ctx context.Context, userID string) (*Summary, error) {
	summary, err := a.store.Get(ctx, userID)
	if errors.Is(err, ErrSummaryNotFound) {
		return a.Recompute(ctx, userID)
	}
	return summary, err
}

// Derive computes a summary from a full entry history.
//
// Rules:
//   - payment_received completed  -> earned
//   - payment_received pending    -> pending (escrowed, not yet released)
//   - withdrawal completed        -> withdrawn
//   - withdrawal pending          -> pending (in flight, not spendable)
//   - refund pending              -> pending (disputed amount held back)
//   - refund completed            -> subtracted from earned
//
// escrow_release and payment_sent entries are buyer-side audit records
// and do not contribute to the seller's totals.
func Derive(userID string, history []*ledger.Entry) *Summary {
	earned := big.NewInt(0)
	withdrawn := big.NewInt(0)
	pending := big.NewInt(0)

	for _, e := range history {
		amt, ok := money.Parse(e.Amount)
		if !ok {
			continue
		}

		switch e.Type {
		case ledger.TypePaymentReceived:
			switch e.Status {
			case ledger.StatusCompleted:
				earned.Add(earned, amt)
			case ledger.StatusPending:
				pending.Add(pending, amt)
			}
		case ledger.TypeWithdrawal:
			switch e.Status {
			case ledger.StatusCompleted:
				withdrawn.Add(withdrawn, amt)
			case ledger.StatusPending:
				pending.Add(pending, amt)
			}
		case ledger.TypeRefund:
			switch e.Status {
			case ledger.StatusCompleted:
				earned.Sub(earned, amt)
			case ledger.StatusPending:
				pending.Add(pending, amt)
			}
		}
	}

	available := new(big.Int).Sub(earned, withdrawn)
	available.Sub(available, pending)

	return &Summary{
		UserID:           userID,
		TotalEarned:      money.Format(earned),
		TotalWithdrawn:   money.Format(withdrawn),
		AvailableBalance: money.Format(available),
		PendingEarnings:  money.Format(pending),
		RecomputedAt:     time.Now(),
	}
}
