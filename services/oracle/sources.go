package oracle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// StaticSource serves operator-configured prices. Each Fetch reports the price
// as observed now, so a static feed never goes stale while the manager runs.
type StaticSource struct {
	name string
	now  func() time.Time

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticSource builds a source from feed id to price.
func NewStaticSource(name string, prices map[string]decimal.Decimal) *StaticSource {
	s := &StaticSource{
		name:   label(name, "static"),
		now:    time.Now,
		prices: make(map[string]decimal.Decimal, len(prices)),
	}
	for feed, price := range prices {
		s.prices[strings.ToUpper(strings.TrimSpace(feed))] = price
	}
	return s
}

func (s *StaticSource) Name() string { return s.name }

// Set replaces the price for a feed.
func (s *StaticSource) Set(feedID string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[strings.ToUpper(strings.TrimSpace(feedID))] = price
}

func (s *StaticSource) Fetch(_ context.Context, feedID string) (Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.prices[strings.ToUpper(strings.TrimSpace(feedID))]
	if !ok {
		return Observation{}, fmt.Errorf("no static price for %s", feedID)
	}
	return Observation{Price: price, ObservedAt: s.now()}, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
