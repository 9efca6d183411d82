package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type tokenMetrics struct {
	transfers *prometheus.CounterVec
}

var (
	tokenMetricsOnce sync.Once
	tokenRegistry    *tokenMetrics
)

// Tokens returns the metrics registry tracking token ledger movements.
func Tokens() *tokenMetrics {
	tokenMetricsOnce.Do(func() {
		tokenRegistry = &tokenMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "token",
				Name:      "transfers_total",
				Help:      "Count of token movements segmented by token and kind.",
			}, []string{"token", "kind"}),
		}
		prometheus.MustRegister(tokenRegistry.transfers)
	})
	return tokenRegistry
}

// RecordTransfer increments the counter for a token movement. Kind is one of
// "mint", "burn" or "transfer".
func (m *tokenMetrics) RecordTransfer(token, kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(token))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transfers.WithLabelValues(normalized, kind).Inc()
}
