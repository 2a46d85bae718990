// Package metrics holds the Prometheus collectors of the decisioning engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for resolution and the ledger.
// All methods are safe on a nil receiver.
type Metrics struct {
	// Resolutions
	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	fallbacks          *prometheus.CounterVec

	// Filtering
	candidatesFiltered *prometheus.CounterVec
	degradations       *prometheus.CounterVec

	// Ledger
	propositions   *prometheus.CounterVec
	offerEvents    *prometheus.CounterVec
	countersPruned prometheus.Counter

	// Catalog
	transitions *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		resolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisioning_resolutions_total",
				Help: "Total number of decision resolutions",
			},
			[]string{"mode", "result"},
		),

		resolutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decisioning_resolution_duration_seconds",
				Help:    "Duration of decision resolutions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to 1.6s
			},
			[]string{"mode"},
		),

		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisioning_fallbacks_total",
				Help: "Total number of placements served by their fallback offer",
			},
			[]string{"placement"},
		),

		candidatesFiltered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisioning_candidates_filtered_total",
				Help: "Total number of candidate offers dropped, by reason",
			},
			[]string{"reason"},
		),

		degradations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisioning_degradations_total",
				Help: "Total number of misconfigurations resolved by falling back to defaults",
			},
			[]string{"kind"},
		),

		propositions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisioning_propositions_total",
				Help: "Total number of propositions appended to the ledger",
			},
			[]string{"fallback"},
		),

		offerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisioning_offer_events_total",
				Help: "Total number of proposition events recorded",
			},
			[]string{"event_type"},
		),

		countersPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "decisioning_ledger_counters_pruned_total",
				Help: "Total number of expired ledger window counters removed",
			},
		),

		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decisioning_offer_transitions_total",
				Help: "Total number of offer lifecycle transitions",
			},
			[]string{"to"},
		),
	}
}

// ObserveResolution records a finished resolution.
func (m *Metrics) ObserveResolution(simulated bool, err error, d time.Duration) {
	if m == nil {
		return
	}
	mode := "live"
	if simulated {
		mode = "simulated"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.resolutions.WithLabelValues(mode, result).Inc()
	m.resolutionDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) RecordFallback(placementID string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(placementID).Inc()
}

// RecordFiltered records n candidates dropped for reason.
func (m *Metrics) RecordFiltered(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.candidatesFiltered.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordDegradation(kind string) {
	if m == nil {
		return
	}
	m.degradations.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordProposition(fallback bool) {
	if m == nil {
		return
	}
	label := "false"
	if fallback {
		label = "true"
	}
	m.propositions.WithLabelValues(label).Inc()
}

func (m *Metrics) RecordOfferEvent(eventType string) {
	if m == nil {
		return
	}
	m.offerEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordCountersPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.countersPruned.Add(float64(n))
}

func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}
