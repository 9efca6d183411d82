package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stablevault/native/dsc"
	"stablevault/services/oracle/storage"
)

const (
	// DefaultMaxAge is how old a round may be before it is treated as stale.
	DefaultMaxAge = 3 * time.Hour
	// DefaultFutureSkew bounds how far ahead of the local clock a round's
	// timestamp may be.
	DefaultFutureSkew = 5 * time.Second
)

// RoundReader exposes the latest recorded round of a feed.
type RoundReader interface {
	LatestRound(ctx context.Context, feedID string) (storage.Round, error)
}

// Adapter answers the engine's price queries from recorded rounds and refuses
// to serve readings that are stale, incomplete or from the future.
type Adapter struct {
	rounds  RoundReader
	maxAge  time.Duration
	skew    time.Duration
	now     func() time.Time
	metrics Metrics
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.maxAge = d
		}
	}
}

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAdapterMetrics records rejected readings.
func WithAdapterMetrics(m Metrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

// NewAdapter wraps a round reader.
func NewAdapter(rounds RoundReader, opts ...AdapterOption) (*Adapter, error) {
	if rounds == nil {
		return nil, fmt.Errorf("oracle: round reader required")
	}
	a := &Adapter{
		rounds: rounds,
		maxAge: DefaultMaxAge,
		skew:   DefaultFutureSkew,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// MaxAge reports the configured staleness window.
func (a *Adapter) MaxAge() time.Duration { return a.maxAge }

// LatestPrice implements dsc.PriceOracle.
func (a *Adapter) LatestPrice(ctx context.Context, feedID string) (dsc.PriceQuote, error) {
	round, err := a.rounds.LatestRound(ctx, feedID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			a.reject(feedID, "missing")
			return dsc.PriceQuote{}, fmt.Errorf("%w: no rounds recorded", dsc.ErrStalePrice)
		}
		return dsc.PriceQuote{}, err
	}
	quote := dsc.PriceQuote{
		Answer:          round.Answer,
		Decimals:        round.Decimals,
		RoundID:         round.RoundID,
		AnsweredInRound: round.AnsweredInRound,
		UpdatedAt:       round.UpdatedAt,
	}
	if err := a.check(feedID, quote); err != nil {
		return dsc.PriceQuote{}, err
	}
	return quote, nil
}

func (a *Adapter) check(feedID string, quote dsc.PriceQuote) error {
	now := a.now()
	switch {
	case quote.UpdatedAt.IsZero():
		a.reject(feedID, "incomplete")
		return fmt.Errorf("%w: round %d never completed", dsc.ErrStalePrice, quote.RoundID)
	case quote.AnsweredInRound < quote.RoundID:
		a.reject(feedID, "carried_over")
		return fmt.Errorf("%w: round %d answered in %d", dsc.ErrStalePrice, quote.RoundID, quote.AnsweredInRound)
	case quote.UpdatedAt.After(now.Add(a.skew)):
		a.reject(feedID, "future")
		return fmt.Errorf("%w: round %d timestamp %s is in the future", dsc.ErrStalePrice, quote.RoundID, quote.UpdatedAt.Format(time.RFC3339))
	case now.Sub(quote.UpdatedAt) > a.maxAge:
		a.reject(feedID, "expired")
		return fmt.Errorf("%w: round %d is %s old", dsc.ErrStalePrice, quote.RoundID, now.Sub(quote.UpdatedAt).Truncate(time.Second))
	}
	return nil
}

func (a *Adapter) reject(feedID, reason string) {
	if a.metrics != nil {
		a.metrics.ObserveRejection(feedID, reason)
	}
}
