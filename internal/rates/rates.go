// Package rates converts amounts between the sale currency and the
// settlement token using a cached exchange rate and a percentage fee.
//
// The external rate source is best-effort: on failure the converter
// falls back to a static configured rate rather than failing the
// request. Cached rates are symmetric, so converting A->B and back B->A
// at the same cached rate returns the original amount (ignoring fees).
package rates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oamen/brickpay/internal/metrics"
)

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrUnknownPair   = errors.New("no rate available for currency pair")
)

// DefaultTTL is the default cached-rate lifetime.
const DefaultTTL = 5 * time.Minute

// DefaultFeePercent is the default conversion fee (2% of converted amount).
const DefaultFeePercent = 0.02

// Quote is the result of a conversion.
type Quote struct {
	FromCurrency    string  `json:"fromCurrency"`
	ToCurrency      string  `json:"toCurrency"`
	Amount          float64 `json:"amount"`
	ConvertedAmount float64 `json:"convertedAmount"`
	Fee             float64 `json:"fee"`
	TotalAmount     float64 `json:"totalAmount"`
	Rate            float64 `json:"rate"`
	RateSource      string  `json:"rateSource"` // "live", "cached", or "fallback"
}

// Source fetches a live exchange rate. The returned rate is a multiplier:
// converted = amount * rate.
type Source interface {
	FetchRate(ctx context.Context, from, to string) (float64, error)
}

// Cache stores rates with a TTL. Implementations must be safe for
// concurrent use.
type Cache interface {
	Get(ctx context.Context, pair string) (float64, bool)
	Set(ctx context.Context, pair string, rate float64, ttl time.Duration)
}

// Converter performs currency conversions.
type Converter struct {
	source     Source
	cache      Cache
	ttl        time.Duration
	feePercent float64
	fallback   map[string]float64 // pair -> rate
}

// Options configures a Converter.
type Options struct {
	TTL        time.Duration
	FeePercent float64
	// Fallback maps currency pairs (see Pair) to static rates used when
	// the live source is unavailable.
	Fallback map[string]float64
}

// New creates a converter. A nil cache gets an in-process cache.
func New(source Source, cache Cache, opts Options) *Converter {
	if cache == nil {
		cache = NewMemoryCache()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fee := opts.FeePercent
	if fee < 0 {
		fee = DefaultFeePercent
	}
	return &Converter{
		source:     source,
		cache:      cache,
		ttl:        ttl,
		feePercent: fee,
		fallback:   opts.Fallback,
	}
}

// Pair returns the canonical cache key for a currency pair.
func Pair(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}

// Convert converts amount from one currency to another. Rate-source
// failures are recovered via the fallback rate and never surfaced.
func (c *Converter) Convert(ctx context.Context, amount float64, from, to string) (*Quote, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	from = strings.ToUpper(from)
	to = strings.ToUpper(to)

	if from == to {
		return &Quote{
			FromCurrency:    from,
			ToCurrency:      to,
			Amount:          amount,
			ConvertedAmount: amount,
			TotalAmount:     amount,
			Rate:            1,
			RateSource:      "identity",
		}, nil
	}

	rate, source, err := c.rate(ctx, from, to)
	if err != nil {
		return nil, err
	}

	converted := amount * rate
	fee := converted * c.feePercent

	return &Quote{
		FromCurrency:    from,
		ToCurrency:      to,
		Amount:          amount,
		ConvertedAmount: converted,
		Fee:             fee,
		TotalAmount:     converted + fee,
		Rate:            rate,
		RateSource:      source,
	}, nil
}

// rate resolves the multiplier for a pair: cache (either direction),
// then the live source, then the static fallback.
func (c *Converter) rate(ctx context.Context, from, to string) (float64, string, error) {
	if r, ok := c.cache.Get(ctx, Pair(from, to)); ok && r > 0 {
		return r, "cached", nil
	}
	// A cached inverse pair keeps round-trips consistent within the TTL.
	if r, ok := c.cache.Get(ctx, Pair(to, from)); ok && r > 0 {
		return 1 / r, "cached", nil
	}

	if c.source != nil {
		r, err := c.source.FetchRate(ctx, from, to)
		if err == nil && r > 0 {
			c.cache.Set(ctx, Pair(from, to), r, c.ttl)
			return r, "live", nil
		}
	}

	r, ok := c.fallbackRate(from, to)
	if !ok {
		return 0, "", fmt.Errorf("%w: %s", ErrUnknownPair, Pair(from, to))
	}
	metrics.ConversionFallbacksTotal.Inc()
	c.cache.Set(ctx, Pair(from, to), r, c.ttl)
	return r, "fallback", nil
}

func (c *Converter) fallbackRate(from, to string) (float64, bool) {
	if r, ok := c.fallback[Pair(from, to)]; ok && r > 0 {
		return r, true
	}
	if r, ok := c.fallback[Pair(to, from)]; ok && r > 0 {
		return 1 / r, true
	}
	return 0, false
}
