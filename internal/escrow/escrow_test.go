package escrow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/oamen/brickpay/internal/channels"
	"github.com/oamen/brickpay/internal/earnings"
	"github.com/oamen/brickpay/internal/ledger"
	"github.com/oamen/brickpay/internal/money"
	"github.com/oamen/brickpay/internal/notify"
	"github.com/oamen/brickpay/internal/rates"
	"github.com/oamen/brickpay/internal/wallet"
)

// fakeTransferor records transfers and optionally fails.
type fakeTransferor struct {
	mu        sync.Mutex
	transfers []fakeTransfer
	err       error
	count     atomic.Int64
}

type fakeTransfer struct {
	from, to, amount string
}

func (f *fakeTransferor) Transfer(ctx context.Context, from, to, amount string) (*wallet.TransferResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := f.count.Add(1)
	f.mu.Lock()
	f.transfers = append(f.transfers, fakeTransfer{from, to, amount})
	f.mu.Unlock()
	return &wallet.TransferResult{
		TxHash: fmt.Sprintf("0xtx%d", n),
		From:   from,
		To:     to,
		Amount: amount,
	}, nil
}

// fakeConverter converts at a fixed rate with no fee surprises.
type fakeConverter struct {
	rate float64
	fee  float64
}

func (f *fakeConverter) Convert(ctx context.Context, amount float64, from, to string) (*rates.Quote, error) {
	converted := amount * f.rate
	fee := converted * f.fee
	return &rates.Quote{
		FromCurrency:    from,
		ToCurrency:      to,
		Amount:          amount,
		ConvertedAmount: converted,
		Fee:             fee,
		TotalAmount:     converted + fee,
		Rate:            f.rate,
		RateSource:      "cached",
	}, nil
}

// fakeNotifier records sent events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.EventType
}

func (f *fakeNotifier) Send(ctx context.Context, eventType notify.EventType, data map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type testEnv struct {
	engine     *Engine
	store      *MemoryStore
	entries    *ledger.Ledger
	aggregator *earnings.Aggregator
	transferor *fakeTransferor
	notifier   *fakeNotifier
}

func newTestEnv() *testEnv {
	store := NewMemoryStore()
	entries := ledger.New(ledger.NewMemoryStore())
	aggregator := earnings.New(entries, earnings.NewMemoryStore())
	transferor := &fakeTransferor{}
	notifier := &fakeNotifier{}
	converter := &fakeConverter{rate: 0.00068, fee: 0.02}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(store, entries, aggregator, converter, transferor, "0xcustody").
		WithNotifier(notifier).
		WithLogger(logger)

	return &testEnv{
		engine:     engine,
		store:      store,
		entries:    entries,
		aggregator: aggregator,
		transferor: transferor,
		notifier:   notifier,
	}
}

func validRequest() CreateRequest {
	return CreateRequest{
		TaskID:        "task_42",
		BuyerID:       "buyer_1",
		SellerID:      "seller_1",
		BuyerAddress:  "0xbuyer",
		SellerAddress: "0xseller",
		Amount:        5000,
		Currency:      "NGN",
		BuyerChains:   []string{"base", "polygon"},
		SellerChains:  []string{"base", "ethereum"},
	}
}

func TestCreate_FundsAndPersists(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if rec.Status != StatusEscrowed {
		t.Errorf("expected status escrowed, got %s", rec.Status)
	}
	if rec.EscrowStatus != EscrowHeld {
		t.Errorf("expected escrow status held, got %s", rec.EscrowStatus)
	}
	if rec.BlockchainNetwork != "base" {
		t.Errorf("expected base network, got %s", rec.BlockchainNetwork)
	}
	if rec.SettlementToken != "USDC" {
		t.Errorf("expected USDC settlement, got %s", rec.SettlementToken)
	}
	// 5000 NGN at 0.00068 = 3.4 USDC
	if rec.SettlementAmount != "3.400000" {
		t.Errorf("expected settlement 3.400000, got %s", rec.SettlementAmount)
	}
	if rec.TransactionHash == "" {
		t.Error("expected funding transaction hash")
	}

	if len(env.transferor.transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(env.transferor.transfers))
	}
	tr := env.transferor.transfers[0]
	if tr.from != "0xbuyer" || tr.to != "0xcustody" {
		t.Errorf("funding transfer endpoints wrong: %+v", tr)
	}

	// Buyer debited (completed), seller credited (pending)
	buyerEntries, _ := env.entries.History(ctx, "buyer_1")
	if len(buyerEntries) != 1 || buyerEntries[0].Type != ledger.TypePaymentSent || buyerEntries[0].Status != ledger.StatusCompleted {
		t.Errorf("unexpected buyer entries: %+v", buyerEntries)
	}
	sellerEntries, _ := env.entries.History(ctx, "seller_1")
	if len(sellerEntries) != 1 || sellerEntries[0].Type != ledger.TypePaymentReceived || sellerEntries[0].Status != ledger.StatusPending {
		t.Errorf("unexpected seller entries: %+v", sellerEntries)
	}

	summary, err := env.aggregator.Get(ctx, "seller_1")
	if err != nil {
		t.Fatalf("earnings Get failed: %v", err)
	}
	if money.Cmp(summary.PendingEarnings, "3.4") != 0 {
		t.Errorf("expected pending earnings 3.4, got %s", summary.PendingEarnings)
	}
}

// The buyer funds converted amount plus fee; release pays out only the
// converted amount, so custody keeps the fee.
func TestCreate_BuyerFundsConvertedAmountPlusFee(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 5000 NGN at 0.00068 = 3.4 USDC, 2% fee = 0.068
	funding := env.transferor.transfers[0]
	if funding.amount != "3.468000" {
		t.Errorf("expected funding transfer 3.468000, got %s", funding.amount)
	}
	if rec.SettlementAmount != "3.400000" {
		t.Errorf("expected settlement 3.400000, got %s", rec.SettlementAmount)
	}

	buyerEntries, _ := env.entries.History(ctx, "buyer_1")
	if len(buyerEntries) != 1 || money.Cmp(buyerEntries[0].Amount, "3.468") != 0 {
		t.Errorf("buyer entry should carry the funded amount: %+v", buyerEntries)
	}

	if _, err := env.engine.Release(ctx, rec.ID, "buyer_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	payout := env.transferor.transfers[len(env.transferor.transfers)-1]
	if payout.amount != "3.400000" {
		t.Errorf("expected payout 3.400000, got %s", payout.amount)
	}
}

func TestCreate_SameCurrencySkipsConversion(t *testing.T) {
	env := newTestEnv()
	req := validRequest()
	req.Amount = 7.25
	req.Currency = "usdc"

	rec, err := env.engine.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if rec.SettlementAmount != "7.250000" {
		t.Errorf("expected settlement 7.250000, got %s", rec.SettlementAmount)
	}
	if rec.ConversionRate != 0 {
		t.Errorf("expected no conversion rate, got %f", rec.ConversionRate)
	}
}

func TestCreate_NoCompatibleChain(t *testing.T) {
	env := newTestEnv()
	req := validRequest()
	req.BuyerChains = []string{"polygon"}
	req.SellerChains = []string{"ethereum"}

	_, err := env.engine.Create(context.Background(), req)
	if !errors.Is(err, channels.ErrNoCompatibleChain) {
		t.Fatalf("expected no compatible chain, got %v", err)
	}
	// No funds moved, no record persisted
	if env.transferor.count.Load() != 0 {
		t.Error("transfer performed despite no compatible chain")
	}
	if _, err := env.store.GetByTask(context.Background(), req.TaskID); !errors.Is(err, ErrPaymentNotFound) {
		t.Error("record persisted despite no compatible chain")
	}
}

func TestCreate_TransferFailureIsFailClosed(t *testing.T) {
	env := newTestEnv()
	env.transferor.err = errors.New("rpc down")

	_, err := env.engine.Create(context.Background(), validRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if _, err := env.store.GetByTask(context.Background(), "task_42"); !errors.Is(err, ErrPaymentNotFound) {
		t.Error("record persisted despite failed funding transfer")
	}
	entries, _ := env.entries.History(context.Background(), "seller_1")
	if len(entries) != 0 {
		t.Error("ledger entries written despite failed funding transfer")
	}
}

func TestCreate_DuplicateActiveTask(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.engine.Create(ctx, validRequest()); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	_, err := env.engine.Create(ctx, validRequest())
	if !errors.Is(err, ErrTaskAlreadyEscrowed) {
		t.Fatalf("expected ErrTaskAlreadyEscrowed, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	req := validRequest()
	req.Amount = 0
	if _, err := env.engine.Create(ctx, req); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	req = validRequest()
	req.SellerID = req.BuyerID
	if _, err := env.engine.Create(ctx, req); !errors.Is(err, ErrSameParty) {
		t.Errorf("expected ErrSameParty, got %v", err)
	}

	req = validRequest()
	req.TaskID = ""
	if _, err := env.engine.Create(ctx, req); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}

// Scenario: 5000 NGN escrowed for a task converts to 3.4 USDC; release
// completes the record and the seller's available balance reflects it.
func TestRelease_CompletesAndPaysSeller(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	released, err := env.engine.Release(ctx, rec.ID, "seller_1")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != StatusCompleted {
		t.Errorf("expected status completed, got %s", released.Status)
	}
	if released.EscrowStatus != EscrowReleased {
		t.Errorf("expected escrow status released, got %s", released.EscrowStatus)
	}
	if released.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}
	if released.CompletedBy != "seller_1" {
		t.Errorf("expected completedBy seller_1, got %s", released.CompletedBy)
	}

	// Funding + payout
	if got := env.transferor.count.Load(); got != 2 {
		t.Fatalf("expected 2 transfers, got %d", got)
	}
	payout := env.transferor.transfers[1]
	if payout.to != "0xseller" || payout.amount != "3.400000" {
		t.Errorf("unexpected payout: %+v", payout)
	}

	summary, err := env.aggregator.Get(ctx, "seller_1")
	if err != nil {
		t.Fatalf("earnings Get failed: %v", err)
	}
	if money.Cmp(summary.AvailableBalance, "3.4") != 0 {
		t.Errorf("expected available balance 3.4, got %s", summary.AvailableBalance)
	}
	if money.Cmp(summary.PendingEarnings, "0") != 0 {
		t.Errorf("expected no pending earnings, got %s", summary.PendingEarnings)
	}
}

// Scenario: two rapid releases for the same payment. Exactly one payout
// happens; the loser sees ErrInvalidTransition.
func TestRelease_DoubleReleaseTransfersOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	fundingTransfers := env.transferor.count.Load()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.engine.Release(ctx, rec.ID, "seller_1")
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrInvalidTransition):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicted != 1 {
		t.Fatalf("expected exactly one winner, got %d success / %d conflict", succeeded, conflicted)
	}
	if got := env.transferor.count.Load() - fundingTransfers; got != 1 {
		t.Fatalf("expected exactly 1 payout transfer, got %d", got)
	}
}

func TestRelease_PayoutFailureLeavesRecordEscrowed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.transferor.err = errors.New("rpc down")
	if _, err := env.engine.Release(ctx, rec.ID, "seller_1"); err == nil {
		t.Fatal("expected release to fail")
	}

	// Record reverted to escrowed/held; a later release can still win.
	current, err := env.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if current.Status != StatusEscrowed || current.EscrowStatus != EscrowHeld {
		t.Errorf("expected escrowed/held after failed payout, got %s/%s", current.Status, current.EscrowStatus)
	}

	// No release ledger entry was written
	entries, _ := env.entries.ForPayment(ctx, rec.ID)
	for _, entry := range entries {
		if entry.Type == ledger.TypeEscrowRelease {
			t.Error("release ledger entry written despite failed payout")
		}
	}

	env.transferor.err = nil
	if _, err := env.engine.Release(ctx, rec.ID, "seller_1"); err != nil {
		t.Fatalf("retry release failed: %v", err)
	}
}

func TestRelease_Nonexistent(t *testing.T) {
	env := newTestEnv()
	_, err := env.engine.Release(context.Background(), "pay_missing", "seller_1")
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestDispute_FromEscrowed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	disputed, err := env.engine.Dispute(ctx, rec.ID, "buyer_1", "work not delivered")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("expected status disputed, got %s", disputed.Status)
	}
	if disputed.DisputedBy != "buyer_1" || disputed.DisputeReason != "work not delivered" {
		t.Errorf("dispute metadata wrong: %+v", disputed)
	}

	// A disputed payment can never be released
	if _, err := env.engine.Release(ctx, rec.ID, "seller_1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after dispute, got %v", err)
	}
}

func TestDispute_FromCompletedOpensClawback(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.engine.Release(ctx, rec.ID, "seller_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	disputed, err := env.engine.Dispute(ctx, rec.ID, "buyer_1", "result was wrong")
	if err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Errorf("expected status disputed, got %s", disputed.Status)
	}

	// Pending refund entry freezes that portion of seller earnings
	var refunds int
	entries, _ := env.entries.History(ctx, "seller_1")
	for _, entry := range entries {
		if entry.Type == ledger.TypeRefund && entry.Status == ledger.StatusPending {
			refunds++
		}
	}
	if refunds != 1 {
		t.Fatalf("expected 1 pending refund entry, got %d", refunds)
	}
}

func TestDispute_InvalidFromDisputed(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.engine.Dispute(ctx, rec.ID, "buyer_1", "first"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}
	if _, err := env.engine.Dispute(ctx, rec.ID, "seller_1", "second"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

// Status only ever moves forward: pending → escrowed → completed|disputed.
func TestStatusSequenceStrictlyForward(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.engine.Release(ctx, rec.ID, "seller_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	// Completed → escrowed is impossible; claim from completed fails
	if err := env.store.ClaimRelease(ctx, rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := env.store.RevertRelease(ctx, rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestGetByTaskAndListByUser(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byTask, err := env.engine.GetByTask(ctx, "task_42")
	if err != nil {
		t.Fatalf("GetByTask failed: %v", err)
	}
	if byTask.ID != rec.ID {
		t.Errorf("GetByTask returned wrong record")
	}

	for _, userID := range []string{"buyer_1", "seller_1"} {
		list, err := env.engine.ListByUser(ctx, userID)
		if err != nil {
			t.Fatalf("ListByUser(%s) failed: %v", userID, err)
		}
		if len(list) != 1 || list[0].ID != rec.ID {
			t.Errorf("ListByUser(%s) returned %d records", userID, len(list))
		}
	}

	if _, err := env.engine.ListByUser(ctx, "stranger"); err != nil {
		t.Fatalf("ListByUser(stranger) failed: %v", err)
	}
}

func TestNotificationsEmitted(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := env.engine.Release(ctx, rec.ID, "seller_1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := env.engine.Dispute(ctx, rec.ID, "buyer_1", "late dispute"); err != nil {
		t.Fatalf("Dispute failed: %v", err)
	}

	want := []notify.EventType{notify.EventEscrowCreated, notify.EventEscrowReleased, notify.EventEscrowDisputed}
	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	if len(env.notifier.events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(env.notifier.events))
	}
	for i, e := range want {
		if env.notifier.events[i] != e {
			t.Errorf("event %d: expected %s, got %s", i, e, env.notifier.events[i])
		}
	}
}
