package scraper

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess   = "success"
	outcomeBlocked   = "blocked"
	outcomeTransient = "transient"
	outcomeParseMiss = "parse_miss"
	outcomeSkipped   = "skipped"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry      *prometheus.Registry
	Attempts      *prometheus.CounterVec
	FetchDuration prometheus.Histogram
}

// NewMetrics constructs and registers all collectors on a dedicated
// registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetracker_scrape_attempts_total",
			Help: "Scrape attempts by outcome.",
		},
		[]string{"outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricetracker_fetch_duration_seconds",
			Help:    "Page fetch latency.",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(attempts, fetchDuration)

	return &Metrics{
		Registry:      registry,
		Attempts:      attempts,
		FetchDuration: fetchDuration,
	}
}
