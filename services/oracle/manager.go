package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stablevault/services/oracle/storage"
)

var (
	ErrUnknownFeed  = errors.New("oracle: unknown feed")
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// Source resolves the USD price of a feed.
type Source interface {
	Name() string
	Fetch(ctx context.Context, feedID string) (Observation, error)
}

// Observation is a single source reading.
type Observation struct {
	Price      decimal.Decimal
	ObservedAt time.Time
}

// RoundStore persists aggregated rounds.
type RoundStore interface {
	RoundReader
	NextRoundID(ctx context.Context, feedID string) (uint64, error)
	RecordRound(ctx context.Context, round storage.Round) error
}

// Metrics observes oracle activity.
type Metrics interface {
	ObservePrice(feedID string, price float64)
	ObserveRejection(feedID, reason string)
}

// Feed is a price feed maintained by the manager.
type Feed struct {
	ID       string
	Decimals uint8
}

// Manager polls sources for every feed, aggregates their readings into a
// median and records the result as a new round.
type Manager struct {
	logger   *slog.Logger
	store    RoundStore
	sources  []Source
	feeds    []Feed
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	metrics  Metrics
	now      func() time.Time

	mu   sync.Mutex
	once sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics installs a metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithManagerClock overrides the wall clock.
func WithManagerClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a manager instance. Sources may be empty when prices are only
// ever posted manually.
func New(store RoundStore, sources []Source, feeds []Feed, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("at least one feed required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	normalized := make([]Feed, 0, len(feeds))
	for _, feed := range feeds {
		id := strings.TrimSpace(feed.ID)
		if id == "" {
			return nil, fmt.Errorf("feed id required")
		}
		if feed.Decimals > 18 {
			return nil, fmt.Errorf("feed %s: decimals %d exceed 18", id, feed.Decimals)
		}
		normalized = append(normalized, Feed{ID: id, Decimals: feed.Decimals})
	}
	mgr := &Manager{
		logger:   slog.Default(),
		store:    store,
		sources:  append([]Source{}, sources...),
		feeds:    normalized,
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	return mgr, nil
}

// Feeds lists the configured feeds.
func (m *Manager) Feeds() []Feed {
	return append([]Feed(nil), m.feeds...)
}

// Run blocks, periodically polling sources until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.Int("sources", len(m.sources)), slog.Int("feeds", len(m.feeds)))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all feeds. Every feed is
// attempted; failures are joined.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	if len(m.sources) == 0 {
		return nil
	}
	var errs []error
	for _, feed := range m.feeds {
		if err := m.processFeed(ctx, feed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) processFeed(ctx context.Context, feed Feed) error {
	now := m.now()
	prices := make([]decimal.Decimal, 0, len(m.sources))
	names := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		obs, err := src.Fetch(ctx, feed.ID)
		if err != nil {
			m.logger.Debug("oracle source failed", slog.String("source", src.Name()), slog.String("feed", feed.ID), slog.String("error", err.Error()))
			continue
		}
		if !obs.Price.IsPositive() {
			m.logger.Warn("oracle source returned invalid price", slog.String("source", src.Name()), slog.String("feed", feed.ID))
			m.observeRejection(feed.ID, "invalid")
			continue
		}
		if obs.ObservedAt.After(now.Add(DefaultFutureSkew)) {
			m.logger.Warn("oracle source produced future timestamp", slog.String("source", src.Name()), slog.String("feed", feed.ID))
			m.observeRejection(feed.ID, "future")
			continue
		}
		if obs.ObservedAt.Before(now.Add(-m.maxAge)) {
			m.logger.Warn("oracle source quote expired", slog.String("source", src.Name()), slog.String("feed", feed.ID))
			m.observeRejection(feed.ID, "expired")
			continue
		}
		prices = append(prices, obs.Price)
		names = append(names, src.Name())
	}
	if len(prices) < m.minFeeds {
		return fmt.Errorf("insufficient oracle sources for %s: %d < %d", feed.ID, len(prices), m.minFeeds)
	}
	_, err := m.record(ctx, feed, computeMedian(prices), names, now)
	return err
}

// Post records a price supplied directly by an operator.
func (m *Manager) Post(ctx context.Context, feedID string, price decimal.Decimal, source string) (storage.Round, error) {
	if m == nil {
		return storage.Round{}, fmt.Errorf("manager not configured")
	}
	feed, ok := m.feed(feedID)
	if !ok {
		return storage.Round{}, fmt.Errorf("%w %q", ErrUnknownFeed, feedID)
	}
	if !price.IsPositive() {
		return storage.Round{}, fmt.Errorf("%w: must be positive", ErrInvalidPrice)
	}
	source = strings.TrimSpace(source)
	if source == "" {
		source = "manual"
	}
	return m.record(ctx, feed, price, []string{source}, m.now())
}

func (m *Manager) feed(feedID string) (Feed, bool) {
	trimmed := strings.TrimSpace(feedID)
	for _, feed := range m.feeds {
		if strings.EqualFold(feed.ID, trimmed) {
			return feed, true
		}
	}
	return Feed{}, false
}

func (m *Manager) record(ctx context.Context, feed Feed, price decimal.Decimal, sources []string, at time.Time) (storage.Round, error) {
	answer := ScaleAnswer(price, feed.Decimals)
	if answer.Sign() <= 0 {
		return storage.Round{}, fmt.Errorf("%w: %s rounds to zero at %d decimals", ErrInvalidPrice, price, feed.Decimals)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	roundID, err := m.store.NextRoundID(ctx, feed.ID)
	if err != nil {
		return storage.Round{}, err
	}
	round := storage.Round{
		FeedID:          feed.ID,
		RoundID:         roundID,
		AnsweredInRound: roundID,
		Answer:          answer,
		Decimals:        feed.Decimals,
		Sources:         sources,
		UpdatedAt:       at.UTC(),
	}
	if err := m.store.RecordRound(ctx, round); err != nil {
		return storage.Round{}, fmt.Errorf("record round: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ObservePrice(feed.ID, price.InexactFloat64())
	}
	m.logger.Debug("oracle round recorded",
		slog.String("feed", feed.ID),
		slog.Uint64("round", roundID),
		slog.String("price", price.String()))
	return round, nil
}

func (m *Manager) observeRejection(feedID, reason string) {
	if m.metrics != nil {
		m.metrics.ObserveRejection(feedID, reason)
	}
}

// ScaleAnswer converts a decimal price into an integer answer with the given
// number of decimals, truncating any remainder.
func ScaleAnswer(price decimal.Decimal, decimals uint8) *big.Int {
	return price.Shift(int32(decimals)).Truncate(0).BigInt()
}

func computeMedian(prices []decimal.Decimal) decimal.Decimal {
	sorted := append([]decimal.Decimal(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}
