package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned by a Lookup when the source has no usable value.
var ErrUnavailable = errors.New("market cap unavailable")

// Lookup is a single-shot market-cap query.
type Lookup interface {
	FetchOnce(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, assetID string) (decimal.Decimal, error)

// FetchOnce calls f.
func (f LookupFunc) FetchOnce(ctx context.Context, assetID string) (decimal.Decimal, error) {
	return f(ctx, assetID)
}

// MarketCapFetcher is what enrichment callers depend on. An invalid
// NullDecimal means "unavailable"; it is never an error.
type MarketCapFetcher interface {
	FetchMarketCap(ctx context.Context, assetID string) decimal.NullDecimal
}

// RetryPolicy bounds the attempts of a lookup.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy makes five attempts one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: time.Second}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Fetcher wraps a Lookup with a retry policy. Results are never cached.
type Fetcher struct {
	lookup Lookup
	policy RetryPolicy
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFetcher builds a fetcher around lookup.
func NewFetcher(lookup Lookup, policy RetryPolicy, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		lookup: lookup,
		policy: policy,
		logger: logger.With().Str("component", "market_data").Logger(),
		sleep:  sleepContext,
	}
}

// FetchOnce performs a single lookup and logs a failure.
func (f *Fetcher) FetchOnce(ctx context.Context, assetID string) decimal.NullDecimal {
	value, err := f.lookup.FetchOnce(ctx, assetID)
	if err != nil {
		f.logger.Warn().Err(err).Str("asset_id", assetID).Msg("market cap lookup failed")
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: value, Valid: true}
}

// FetchMarketCap retries the lookup per the policy. After the last failed
// attempt, or if ctx ends while waiting, the value is unavailable.
func (f *Fetcher) FetchMarketCap(ctx context.Context, assetID string) decimal.NullDecimal {
	attempts := f.policy.attempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := f.lookup.FetchOnce(ctx, assetID)
		if err == nil {
			if attempt > 1 {
				f.logger.Debug().Str("asset_id", assetID).Int("attempt", attempt).Msg("market cap lookup recovered")
			}
			return decimal.NullDecimal{Decimal: value, Valid: true}
		}

		f.logger.Warn().Err(err).
			Str("asset_id", assetID).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("market cap lookup failed")

		if attempt == attempts {
			break
		}
		if err := f.sleep(ctx, f.policy.Backoff); err != nil {
			f.logger.Warn().Err(err).Str("asset_id", assetID).Msg("market cap retry interrupted")
			return decimal.NullDecimal{}
		}
	}

	f.logger.Error().Str("asset_id", assetID).Int("attempts", attempts).Msg("market cap unavailable")
	return decimal.NullDecimal{}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ MarketCapFetcher = (*Fetcher)(nil)
