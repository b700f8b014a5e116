// Package metrics exposes Prometheus instrumentation for the API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockfolio_trades_executed_total",
			Help: "Executed trades by side",
		},
		[]string{"side"},
	)

	QuoteLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockfolio_quote_lookups_total",
			Help: "Quote lookups by outcome",
		},
		[]string{"outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockfolio_http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"route", "code"},
	)
)

// Handler serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
