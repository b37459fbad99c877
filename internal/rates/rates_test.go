package rates

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

// stubSource returns a fixed rate or error and counts calls.
type stubSource struct {
	rate  float64
	err   error
	calls int
}

func (s *stubSource) FetchRate(ctx context.Context, from, to string) (float64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.rate, nil
}

func TestConvertAppliesRateAndFee(t *testing.T) {
	src := &stubSource{rate: 1.0 / 1465.0} // NGN -> USDC
	c := New(src, nil, Options{FeePercent: 0.02})

	quote, err := c.Convert(context.Background(), 5000, "NGN", "USDC")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	wantConverted := 5000 / 1465.0
	if math.Abs(quote.ConvertedAmount-wantConverted) > 1e-9 {
		t.Errorf("convertedAmount = %v, want %v", quote.ConvertedAmount, wantConverted)
	}
	wantFee := wantConverted * 0.02
	if math.Abs(quote.Fee-wantFee) > 1e-9 {
		t.Errorf("fee = %v, want %v", quote.Fee, wantFee)
	}
	if math.Abs(quote.TotalAmount-(quote.ConvertedAmount+quote.Fee)) > 1e-9 {
		t.Errorf("totalAmount = %v, want convertedAmount + fee", quote.TotalAmount)
	}
	if quote.RateSource != "live" {
		t.Errorf("rateSource = %q, want live", quote.RateSource)
	}
}

func TestConvertCachesRateWithinTTL(t *testing.T) {
	src := &stubSource{rate: 0.5}
	c := New(src, nil, Options{TTL: time.Minute})
	ctx := context.Background()

	if _, err := c.Convert(ctx, 100, "NGN", "USDC"); err != nil {
		t.Fatalf("first Convert failed: %v", err)
	}
	quote, err := c.Convert(ctx, 100, "NGN", "USDC")
	if err != nil {
		t.Fatalf("second Convert failed: %v", err)
	}

	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1 (second hit served from cache)", src.calls)
	}
	if quote.RateSource != "cached" {
		t.Errorf("rateSource = %q, want cached", quote.RateSource)
	}
}

func TestConvertFallsBackOnSourceFailure(t *testing.T) {
	src := &stubSource{err: errors.New("rate source down")}
	c := New(src, nil, Options{
		Fallback: map[string]float64{"USDC/NGN": 1465},
	})

	quote, err := c.Convert(context.Background(), 5000, "NGN", "USDC")
	if err != nil {
		t.Fatalf("Convert surfaced a source failure: %v", err)
	}
	if quote.RateSource != "fallback" {
		t.Errorf("rateSource = %q, want fallback", quote.RateSource)
	}
	// Fallback is keyed USDC/NGN; the NGN->USDC rate is its inverse.
	want := 5000 / 1465.0
	if math.Abs(quote.ConvertedAmount-want) > 1e-9 {
		t.Errorf("convertedAmount = %v, want %v", quote.ConvertedAmount, want)
	}
}

func TestConvertUnknownPair(t *testing.T) {
	src := &stubSource{err: errors.New("down")}
	c := New(src, nil, Options{})

	if _, err := c.Convert(context.Background(), 10, "NGN", "USDC"); !errors.Is(err, ErrUnknownPair) {
		t.Errorf("err = %v, want ErrUnknownPair", err)
	}
}

func TestConvertRejectsNonPositiveAmounts(t *testing.T) {
	c := New(&stubSource{rate: 1}, nil, Options{})

	for _, amount := range []float64{0, -3} {
		if _, err := c.Convert(context.Background(), amount, "NGN", "USDC"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Convert(%v): err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestConvertSameCurrencyIsIdentity(t *testing.T) {
	c := New(&stubSource{rate: 2}, nil, Options{FeePercent: 0.02})

	quote, err := c.Convert(context.Background(), 42, "USDC", "USDC")
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if quote.ConvertedAmount != 42 || quote.Fee != 0 || quote.TotalAmount != 42 {
		t.Errorf("identity conversion changed the amount: %+v", quote)
	}
}

// Converting A->B then B->A at the same cached rate (ignoring fees) must
// return the original amount within floating-point tolerance.
func TestConvertRoundTrip(t *testing.T) {
	src := &stubSource{rate: 1.0 / 1465.0}
	c := New(src, nil, Options{TTL: time.Minute, FeePercent: 0.02})
	ctx := context.Background()

	const original = 5000.0
	there, err := c.Convert(ctx, original, "NGN", "USDC")
	if err != nil {
		t.Fatalf("NGN->USDC failed: %v", err)
	}
	back, err := c.Convert(ctx, there.ConvertedAmount, "USDC", "NGN")
	if err != nil {
		t.Fatalf("USDC->NGN failed: %v", err)
	}

	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1 (reverse leg derived from cached rate)", src.calls)
	}
	if math.Abs(back.ConvertedAmount-original) > 1e-6 {
		t.Errorf("round trip = %v, want %v", back.ConvertedAmount, original)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	cache.Set(ctx, "NGN/USDC", 0.5, 10*time.Millisecond)
	if _, ok := cache.Get(ctx, "NGN/USDC"); !ok {
		t.Fatal("fresh entry missing")
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := cache.Get(ctx, "NGN/USDC"); ok {
		t.Error("expired entry still served")
	}
}
