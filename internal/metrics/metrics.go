// Package metrics exposes client and mock-backend counters in the
// Prometheus format.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	accerrors "github.com/rcourtman/pagegen/internal/errors"
)

var (
	// Gate and generation metrics
	GateDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagegen_gate_denials_total",
			Help: "Total number of generations denied locally by reason",
		},
		[]string{"reason"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagegen_generations_total",
			Help: "Total number of generation requests by outcome",
		},
		[]string{"outcome"}, // success, auth, forbidden, server, network, malformed_response, canceled
	)

	GenerationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagegen_generation_duration_seconds",
			Help:    "Duration of generation requests sent to the backend",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	RemainingUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pagegen_remaining_usage",
			Help: "Server-confirmed remaining usage per product",
		},
		[]string{"product"},
	)

	// Entitlement metrics
	EntitlementFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagegen_entitlement_fetches_total",
			Help: "Total number of entitlement fetches by result",
		},
		[]string{"result"},
	)

	ProductSwitchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagegen_product_switches_total",
			Help: "Total number of product switches by result",
		},
		[]string{"result"},
	)

	// Mock backend metrics
	MockRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagegen_mockapi_requests_total",
			Help: "Total number of requests served by the development backend",
		},
		[]string{"route", "status"},
	)
)

// outcomeLabel maps an error onto the outcome/result label.
func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	if kind := accerrors.KindOf(err); kind != "" {
		return string(kind)
	}
	if accerrors.IsCanceled(err) {
		return string(accerrors.KindCanceled)
	}
	return "error"
}

// RecordGateDenial counts a local denial.
func RecordGateDenial(reason string) {
	GateDenialsTotal.WithLabelValues(reason).Inc()
}

// RecordGeneration records the outcome and duration of one backend call.
func RecordGeneration(err error, elapsed time.Duration) {
	GenerationsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	GenerationDurationSeconds.Observe(elapsed.Seconds())
}

// RecordRemainingUsage sets the confirmed remaining usage for a product.
func RecordRemainingUsage(productID string, remaining int64) {
	RemainingUsage.WithLabelValues(productID).Set(float64(remaining))
}

// RecordEntitlementFetch records the result of a refresh.
func RecordEntitlementFetch(err error) {
	EntitlementFetchesTotal.WithLabelValues(outcomeLabel(err)).Inc()
}

// RecordProductSwitch records the result of a switch.
func RecordProductSwitch(err error) {
	ProductSwitchesTotal.WithLabelValues(outcomeLabel(err)).Inc()
}

// RecordMockRequest counts a request handled by the development backend.
func RecordMockRequest(route, status string) {
	MockRequestsTotal.WithLabelValues(route, status).Inc()
}

// WriteTextfile writes the default registry to path in the node_exporter
// textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
