// Package escrow holds marketplace task payments in custody between
// buyer and seller.
//
// Flow:
//  1. Buyer funds a task → transfer to custody, record escrowed/held
//  2. Task completed → release: custody pays seller, record completed
//  3. Either party disputes → record frozen as disputed
//
// Status moves strictly forward: pending → escrowed → completed|disputed.
// Transitions are enforced by conditional store updates, not in-process
// locks, so concurrent instances stay consistent.
package escrow

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oamen/brickpay/internal/channels"
	"github.com/oamen/brickpay/internal/earnings"
	"github.com/oamen/brickpay/internal/ledger"
	"github.com/oamen/brickpay/internal/metrics"
	"github.com/oamen/brickpay/internal/money"
	"github.com/oamen/brickpay/internal/notify"
	"github.com/oamen/brickpay/internal/rates"
	"github.com/oamen/brickpay/internal/traces"
	"github.com/oamen/brickpay/internal/wallet"
)

var (
	ErrPaymentNotFound     = errors.New("payment record not found")
	ErrInvalidTransition   = errors.New("invalid payment status transition")
	ErrTaskAlreadyEscrowed = errors.New("task already has an active escrow")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrSameParty           = errors.New("buyer and seller cannot be the same user")
	ErrMissingField        = errors.New("missing required field")
)

// Status represents the state of a payment record.
type Status string

const (
	StatusPending   Status = "pending"   // Created, awaiting funding
	StatusEscrowed  Status = "escrowed"  // Funds held in custody
	StatusCompleted Status = "completed" // Released to seller
	StatusDisputed  Status = "disputed"  // Frozen pending resolution
)

// EscrowStatus tracks the custody sub-state of held funds.
type EscrowStatus string

const (
	EscrowHeld           EscrowStatus = "held"
	EscrowPendingRelease EscrowStatus = "pending_release"
	EscrowReleased       EscrowStatus = "released"
)

// PaymentRecord is one task payment moving through escrow.
type PaymentRecord struct {
	ID                string       `json:"id"`
	TaskID            string       `json:"taskId"`
	BuyerID           string       `json:"buyerId"`
	SellerID          string       `json:"sellerId"`
	BuyerAddress      string       `json:"buyerAddress"`
	SellerAddress     string       `json:"sellerAddress"`
	Amount            float64      `json:"amount"`
	Currency          string       `json:"currency"`
	SettlementAmount  string       `json:"settlementAmount"`
	SettlementToken   string       `json:"settlementToken"`
	ConversionRate    float64      `json:"conversionRate,omitempty"`
	ConversionFee     float64      `json:"conversionFee,omitempty"`
	BlockchainNetwork string       `json:"blockchainNetwork"`
	Status            Status       `json:"status"`
	EscrowStatus      EscrowStatus `json:"escrowStatus"`
	TransactionHash   string       `json:"transactionHash,omitempty"`
	ReleaseHash       string       `json:"releaseHash,omitempty"`
	CompletedBy       string       `json:"completedBy,omitempty"`
	DisputedBy        string       `json:"disputedBy,omitempty"`
	DisputeReason     string       `json:"disputeReason,omitempty"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	CompletedAt       *time.Time   `json:"completedAt,omitempty"`
	DisputedAt        *time.Time   `json:"disputedAt,omitempty"`
}

// IsActive returns true while the record can still move forward.
func (r *PaymentRecord) IsActive() bool {
	return r.Status == StatusPending || r.Status == StatusEscrowed
}

// Store persists payment records. Every transition method is an atomic
// conditional update: it succeeds only if the record is currently in
// the expected state, and returns ErrInvalidTransition otherwise. The
// conditional update is the mutual exclusion between concurrent
// release and dispute calls.
type Store interface {
	// Create fails with ErrTaskAlreadyEscrowed if the task already has
	// an active record.
	Create(ctx context.Context, rec *PaymentRecord) error
	Get(ctx context.Context, id string) (*PaymentRecord, error)
	GetByTask(ctx context.Context, taskID string) (*PaymentRecord, error)
	ListByUser(ctx context.Context, userID string) ([]*PaymentRecord, error)

	// ClaimRelease moves escrowed/held to escrowed/pending_release.
	// Exactly one concurrent caller wins the claim.
	ClaimRelease(ctx context.Context, id string) error
	// RevertRelease returns a claimed record to held after a failed payout.
	RevertRelease(ctx context.Context, id string) error
	// CompleteRelease moves a claimed record to completed/released.
	CompleteRelease(ctx context.Context, id, releaseHash, completedBy string, at time.Time) (*PaymentRecord, error)
	// MarkDisputed moves escrowed or completed to disputed. A record
	// with an in-flight release claim cannot be disputed.
	MarkDisputed(ctx context.Context, id, raisedBy, reason string, at time.Time) (*PaymentRecord, error)
}

// Converter quotes currency conversions into the settlement token.
type Converter interface {
	Convert(ctx context.Context, amount float64, from, to string) (*rates.Quote, error)
}

// Notifier delivers best-effort event notifications.
type Notifier interface {
	Send(ctx context.Context, eventType notify.EventType, data map[string]any)
}

// CreateRequest contains the parameters for funding a task escrow.
type CreateRequest struct {
	TaskID         string   `json:"taskId" binding:"required"`
	BuyerID        string   `json:"buyerId" binding:"required"`
	SellerID       string   `json:"sellerId" binding:"required"`
	BuyerAddress   string   `json:"buyerAddress" binding:"required"`
	SellerAddress  string   `json:"sellerAddress" binding:"required"`
	Amount         float64  `json:"amount" binding:"required"`
	Currency       string   `json:"currency" binding:"required"`
	BuyerChains    []string `json:"buyerChains" binding:"required"`
	SellerChains   []string `json:"sellerChains" binding:"required"`
	PreferredChain string   `json:"preferredChain"`
}

// DisputeRequest contains the parameters for disputing a payment.
type DisputeRequest struct {
	RaisedBy string `json:"raisedBy" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
}

// ReleaseRequest identifies who completed the task.
type ReleaseRequest struct {
	CompletedBy string `json:"completedBy" binding:"required"`
}

// Engine implements the escrow state machine.
type Engine struct {
	store      Store
	entries    *ledger.Ledger
	aggregator *earnings.Aggregator
	converter  Converter
	transferor wallet.Transferor
	notifier   Notifier
	custody    string
	logger     *slog.Logger
}

// NewEngine creates an escrow engine. custodyAddress is where funded
// escrows are held until release.
func NewEngine(store Store, entries *ledger.Ledger, aggregator *earnings.Aggregator, converter Converter, transferor wallet.Transferor, custodyAddress string) *Engine {
	return &Engine{
		store:      store,
		entries:    entries,
		aggregator: aggregator,
		converter:  converter,
		transferor: transferor,
		custody:    custodyAddress,
		logger:     slog.Default(),
	}
}

// WithNotifier adds best-effort event notifications.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithLogger sets the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Create funds a task escrow: selects the settlement channel, converts
// the amount into the settlement token if needed, moves funds from the
// buyer's wallet into custody and persists the record as escrowed/held.
// No funds move unless a compatible channel exists; no record is
// persisted unless the funding transfer succeeded.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*PaymentRecord, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.UserID(req.BuyerID))
	defer span.End()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	channel, err := channels.Select(
		normalizeChains(req.BuyerChains),
		normalizeChains(req.SellerChains),
		channels.Normalize(req.PreferredChain),
	)
	if err != nil {
		return nil, err
	}

	if existing, err := e.store.GetByTask(ctx, req.TaskID); err == nil && existing.IsActive() {
		return nil, ErrTaskAlreadyEscrowed
	}

	settlement := req.Amount
	funding := req.Amount
	var rate, fee float64
	if !strings.EqualFold(req.Currency, channel.Token) {
		quote, err := e.converter.Convert(ctx, req.Amount, req.Currency, channel.Token)
		if err != nil {
			return nil, fmt.Errorf("conversion failed: %w", err)
		}
		settlement = quote.ConvertedAmount
		funding = quote.TotalAmount
		rate = quote.Rate
		fee = quote.Fee
	}
	settlementAmount := money.FromFloat(settlement)
	fundingAmount := money.FromFloat(funding)

	// The buyer funds the converted amount plus the conversion fee.
	// Release pays out only the converted amount; custody retains the
	// fee.
	result, err := e.transferor.Transfer(ctx, req.BuyerAddress, e.custody, fundingAmount)
	if err != nil {
		return nil, fmt.Errorf("escrow funding transfer failed: %w", err)
	}

	now := time.Now()
	rec := &PaymentRecord{
		ID:                generatePaymentID(),
		TaskID:            req.TaskID,
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		BuyerAddress:      req.BuyerAddress,
		SellerAddress:     req.SellerAddress,
		Amount:            req.Amount,
		Currency:          strings.ToUpper(req.Currency),
		SettlementAmount:  settlementAmount,
		SettlementToken:   channel.Token,
		ConversionRate:    rate,
		ConversionFee:     fee,
		BlockchainNetwork: string(channel.Chain),
		Status:            StatusEscrowed,
		EscrowStatus:      EscrowHeld,
		TransactionHash:   result.TxHash,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := e.store.Create(ctx, rec); err != nil {
		// Funds already reached custody. The record must exist for a
		// later manual release, so this needs operator attention.
		e.logger.Error("CRITICAL: escrow funded but record not persisted",
			"taskId", req.TaskID, "txHash", result.TxHash, "error", err)
		return nil, fmt.Errorf("failed to persist escrow record: %w", err)
	}

	if _, err := e.entries.Record(ctx, rec.BuyerID, ledger.TypePaymentSent, fundingAmount, channel.Token, ledger.StatusCompleted, rec.SellerID, rec.ID); err != nil {
		e.logger.Error("failed to record buyer ledger entry", "paymentId", rec.ID, "error", err)
	}
	if _, err := e.entries.Record(ctx, rec.SellerID, ledger.TypePaymentReceived, settlementAmount, channel.Token, ledger.StatusPending, rec.BuyerID, rec.ID); err != nil {
		e.logger.Error("failed to record seller ledger entry", "paymentId", rec.ID, "error", err)
	}

	e.recompute(ctx, rec.BuyerID)
	e.recompute(ctx, rec.SellerID)

	metrics.EscrowCreatedTotal.Inc()
	e.notify(ctx, notify.EventEscrowCreated, map[string]any{
		"paymentId": rec.ID,
		"taskId":    rec.TaskID,
		"amount":    rec.SettlementAmount,
		"token":     rec.SettlementToken,
		"network":   rec.BlockchainNetwork,
	})

	return rec, nil
}

// Release pays a completed task out of custody to the seller. The
// release claim is an atomic conditional update: among concurrent
// calls exactly one performs the payout; the rest fail with
// ErrInvalidTransition. A failed payout reverts the claim and leaves
// the record escrowed with no ledger entry written.
func (e *Engine) Release(ctx context.Context, paymentID, completedBy string) (*PaymentRecord, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.PaymentID(paymentID))
	defer span.End()

	rec, err := e.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if err := e.store.ClaimRelease(ctx, paymentID); err != nil {
		return nil, err
	}

	result, err := e.transferor.Transfer(ctx, "", rec.SellerAddress, rec.SettlementAmount)
	if err != nil {
		if revertErr := e.store.RevertRelease(ctx, paymentID); revertErr != nil {
			e.logger.Error("CRITICAL: failed to revert release claim",
				"paymentId", paymentID, "error", revertErr)
		}
		return nil, fmt.Errorf("escrow payout transfer failed: %w", err)
	}

	now := time.Now()
	updated, err := e.store.CompleteRelease(ctx, paymentID, result.TxHash, completedBy, now)
	if err != nil {
		// Funds already left custody; retry once before giving up.
		updated, err = e.store.CompleteRelease(ctx, paymentID, result.TxHash, completedBy, now)
		if err != nil {
			e.logger.Error("CRITICAL: payout sent but record not completed",
				"paymentId", paymentID, "txHash", result.TxHash, "error", err)
			return nil, fmt.Errorf("failed to complete release (requires manual resolution): %w", err)
		}
	}

	if _, err := e.entries.Record(ctx, rec.SellerID, ledger.TypeEscrowRelease, rec.SettlementAmount, rec.SettlementToken, ledger.StatusCompleted, rec.BuyerID, rec.ID); err != nil {
		e.logger.Error("failed to record release ledger entry", "paymentId", rec.ID, "error", err)
	}
	e.finalizeReceivedEntry(ctx, rec)

	e.recompute(ctx, rec.SellerID)

	metrics.EscrowReleasedTotal.Inc()
	metrics.EscrowDuration.Observe(now.Sub(rec.CreatedAt).Seconds())
	e.notify(ctx, notify.EventEscrowReleased, map[string]any{
		"paymentId":   rec.ID,
		"taskId":      rec.TaskID,
		"sellerId":    rec.SellerID,
		"amount":      rec.SettlementAmount,
		"token":       rec.SettlementToken,
		"completedBy": completedBy,
	})

	return updated, nil
}

// Dispute freezes a payment. Valid while escrowed or after completion;
// a disputed record can never be released.
func (e *Engine) Dispute(ctx context.Context, paymentID, raisedBy, reason string) (*PaymentRecord, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Dispute", traces.PaymentID(paymentID))
	defer span.End()

	updated, err := e.store.MarkDisputed(ctx, paymentID, raisedBy, reason, time.Now())
	if err != nil {
		return nil, err
	}

	// Disputing an already-released payment opens a pending clawback
	// against the seller's earnings.
	if updated.CompletedAt != nil {
		if _, err := e.entries.Record(ctx, updated.SellerID, ledger.TypeRefund, updated.SettlementAmount, updated.SettlementToken, ledger.StatusPending, updated.BuyerID, updated.ID); err != nil {
			e.logger.Error("failed to record dispute refund entry", "paymentId", updated.ID, "error", err)
		}
	}

	e.recompute(ctx, updated.SellerID)

	metrics.EscrowDisputedTotal.Inc()
	e.notify(ctx, notify.EventEscrowDisputed, map[string]any{
		"paymentId": updated.ID,
		"taskId":    updated.TaskID,
		"raisedBy":  raisedBy,
		"reason":    reason,
	})

	return updated, nil
}

// Get returns a payment record by ID.
func (e *Engine) Get(ctx context.Context, paymentID string) (*PaymentRecord, error) {
	return e.store.Get(ctx, paymentID)
}

// GetByTask returns the payment record for a task.
func (e *Engine) GetByTask(ctx context.Context, taskID string) (*PaymentRecord, error) {
	return e.store.GetByTask(ctx, taskID)
}

// ListByUser returns all payments a user participates in.
func (e *Engine) ListByUser(ctx context.Context, userID string) ([]*PaymentRecord, error) {
	return e.store.ListByUser(ctx, userID)
}

// finalizeReceivedEntry completes the seller's pending payment_received
// entry for a released escrow.
func (e *Engine) finalizeReceivedEntry(ctx context.Context, rec *PaymentRecord) {
	entries, err := e.entries.ForPayment(ctx, rec.ID)
	if err != nil {
		e.logger.Error("failed to load payment ledger entries", "paymentId", rec.ID, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.Type == ledger.TypePaymentReceived && entry.Status == ledger.StatusPending {
			if err := e.entries.Finalize(ctx, entry.ID, ledger.StatusCompleted); err != nil {
				e.logger.Error("failed to finalize received entry", "entryId", entry.ID, "error", err)
			}
		}
	}
}

func (e *Engine) recompute(ctx context.Context, userID string) {
	if _, err := e.aggregator.Recompute(ctx, userID); err != nil {
		e.logger.Error("earnings recompute failed", "userId", userID, "error", err)
	}
}

func (e *Engine) notify(ctx context.Context, eventType notify.EventType, data map[string]any) {
	if e.notifier != nil {
		e.notifier.Send(ctx, eventType, data)
	}
}

func validateCreate(req CreateRequest) error {
	for field, value := range map[string]string{
		"taskId":        req.TaskID,
		"buyerId":       req.BuyerID,
		"sellerId":      req.SellerID,
		"buyerAddress":  req.BuyerAddress,
		"sellerAddress": req.SellerAddress,
		"currency":      req.Currency,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if req.BuyerID == req.SellerID {
		return ErrSameParty
	}
	return nil
}

func normalizeChains(in []string) []channels.Chain {
	out := make([]channels.Chain, 0, len(in))
	for _, s := range in {
		out = append(out, channels.Normalize(s))
	}
	return out
}

func generatePaymentID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("pay_%x", b)
}
