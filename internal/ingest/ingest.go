// Package ingest turns provider payment events into supply reservations
// and account credits.
//
// Two independent entry points feed it: the provider's asynchronous
// webhook and the client-initiated verify call. Both may fire for the
// same payment, so every credit is gated on an atomic reservation of
// the payment reference. A reference that already produced a credit is
// a no-op, not an error.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/oamen/brickpay/internal/account"
	"github.com/oamen/brickpay/internal/metrics"
	"github.com/oamen/brickpay/internal/notify"
	"github.com/oamen/brickpay/internal/paystack"
	"github.com/oamen/brickpay/internal/retry"
	"github.com/oamen/brickpay/internal/supply"
	"github.com/oamen/brickpay/internal/traces"
	"github.com/oamen/brickpay/internal/validation"
)

var (
	ErrInvalidEmail       = errors.New("invalid payer email")
	ErrIndeterminateUnits = errors.New("cannot determine units to credit")
)

// Store tracks which payment references have been credited. Reserve is
// atomic: of any number of concurrent calls for the same reference,
// exactly one returns true.
type Store interface {
	// Reserve claims a reference. false means it was already claimed.
	Reserve(ctx context.Context, reference, source string) (bool, error)
	// Release frees a claimed reference after a failed credit so a
	// redelivery can try again.
	Release(ctx context.Context, reference string) error
}

// Verifier fetches the provider's record of a charge.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*paystack.Transaction, error)
}

// Notifier delivers best-effort event notifications.
type Notifier interface {
	Send(ctx context.Context, eventType notify.EventType, data map[string]any)
}

// Result reports what a processing attempt did.
type Result struct {
	Credited    bool   `json:"credited"`
	AlreadyDone bool   `json:"alreadyProcessed,omitempty"`
	Units       int64  `json:"units,omitempty"`
	NewBalance  int64  `json:"newBalance,omitempty"`
	Reference   string `json:"reference"`
	Email       string `json:"email,omitempty"`
}

// Processor credits completed payments exactly once.
type Processor struct {
	supply          *supply.Ledger
	accounts        *account.Accounts
	processed       Store
	verifier        Verifier
	notifier        Notifier
	unitPrice       float64 // major units of the sale currency per unit
	verifyAttempts  int
	verifyBaseDelay time.Duration
	logger          *slog.Logger
}

// NewProcessor creates a payment processor. unitPrice is the sale price
// of one unit in major currency units.
func NewProcessor(supplyLedger *supply.Ledger, accounts *account.Accounts, processed Store, verifier Verifier, unitPrice float64) *Processor {
	return &Processor{
		supply:          supplyLedger,
		accounts:        accounts,
		processed:       processed,
		verifier:        verifier,
		unitPrice:       unitPrice,
		verifyAttempts:  3,
		verifyBaseDelay: 200 * time.Millisecond,
		logger:          slog.Default(),
	}
}

// WithNotifier adds best-effort purchase notifications.
func (p *Processor) WithNotifier(n Notifier) *Processor {
	p.notifier = n
	return p
}

// WithLogger sets the processor logger.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	p.logger = l
	return p
}

// ProcessWebhook handles a provider webhook delivery. Non-completion
// events are acknowledged as no-ops.
func (p *Processor) ProcessWebhook(ctx context.Context, event *paystack.Event) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.ProcessWebhook", traces.Reference(event.Data.Reference))
	defer span.End()

	if event.Event != paystack.EventChargeSuccess {
		return &Result{Reference: event.Data.Reference}, nil
	}
	return p.process(ctx, &event.Data, "webhook")
}

// ProcessVerify handles a client-initiated verification: fetches the
// provider's record for the reference and credits if the charge
// succeeded. An unpaid or failed charge is a no-op.
func (p *Processor) ProcessVerify(ctx context.Context, reference string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "ingest.ProcessVerify", traces.Reference(reference))
	defer span.End()

	var tx *paystack.Transaction
	err := retry.Do(ctx, p.verifyAttempts, p.verifyBaseDelay, func() error {
		var verr error
		tx, verr = p.verifier.Verify(ctx, reference)
		if verr != nil && !retryableVerify(verr) {
			return retry.Permanent(verr)
		}
		return verr
	})
	if err != nil {
		return nil, fmt.Errorf("provider verification failed: %w", err)
	}
	if tx.Status != paystack.StatusSuccess {
		return &Result{Reference: reference}, nil
	}
	return p.process(ctx, tx, "verify")
}

// process runs the credit sequence: reserve the reference, reserve
// supply, credit the account. Failures after the reference reservation
// release it so the provider's retry can succeed later.
func (p *Processor) process(ctx context.Context, tx *paystack.Transaction, source string) (*Result, error) {
	email := validation.NormalizeEmail(tx.Customer.Email)
	if !validation.IsValidEmail(email) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, tx.Customer.Email)
	}

	units, err := p.unitsFor(tx)
	if err != nil {
		return nil, err
	}

	reserved, err := p.processed.Reserve(ctx, tx.Reference, source)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve payment reference: %w", err)
	}
	if !reserved {
		metrics.DuplicateDeliveriesTotal.Inc()
		p.logger.Info("duplicate payment delivery ignored",
			"reference", tx.Reference, "source", source)
		return &Result{Reference: tx.Reference, AlreadyDone: true, Email: email}, nil
	}

	if _, err := p.supply.TryReserve(ctx, units); err != nil {
		p.release(ctx, tx.Reference)
		return nil, err
	}

	acct, retried, err := p.accounts.CreditOrCreate(ctx, email, units, tx.Reference, tx.Currency)
	if err != nil {
		// Put both the units and the reference back
		if restoreErr := p.supply.Restore(ctx, units); restoreErr != nil {
			p.logger.Error("CRITICAL: failed to restore supply after credit failure",
				"reference", tx.Reference, "units", units, "error", restoreErr)
		}
		p.release(ctx, tx.Reference)
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}
	if retried {
		p.logger.Info("account creation race resolved", "email", email, "reference", tx.Reference)
	}

	metrics.CreditsTotal.WithLabelValues(source).Inc()
	p.logger.Info("payment credited",
		"reference", tx.Reference, "email", email, "units", units, "source", source)

	if p.notifier != nil {
		p.notifier.Send(ctx, notify.EventPurchaseCredited, map[string]any{
			"email":     email,
			"units":     units,
			"reference": tx.Reference,
			"currency":  tx.Currency,
		})
	}

	return &Result{
		Credited:   true,
		Units:      units,
		NewBalance: acct.Balance,
		Reference:  tx.Reference,
		Email:      email,
	}, nil
}

// unitsFor determines the unit count: provider metadata first, then
// the charge amount divided by the unit price, rounded down.
func (p *Processor) unitsFor(tx *paystack.Transaction) (int64, error) {
	if units, ok := tx.Metadata.Units(); ok {
		return units, nil
	}
	if p.unitPrice <= 0 || tx.Amount <= 0 {
		return 0, ErrIndeterminateUnits
	}
	// Provider amounts are in subunits (kobo, cents)
	major := float64(tx.Amount) / 100.0
	units := int64(math.Floor(major / p.unitPrice))
	if units <= 0 {
		return 0, ErrIndeterminateUnits
	}
	return units, nil
}

// retryableVerify reports whether a provider error is worth another
// attempt. Unknown references and other client errors never change on
// retry; transport failures and provider 5xx responses might.
func retryableVerify(err error) bool {
	if errors.Is(err, paystack.ErrNotFound) || errors.Is(err, paystack.ErrInvalidReference) {
		return false
	}
	var apiErr *paystack.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

func (p *Processor) release(ctx context.Context, reference string) {
	if err := p.processed.Release(ctx, reference); err != nil {
		p.logger.Error("failed to release payment reference",
			"reference", reference, "error", err)
	}
}
