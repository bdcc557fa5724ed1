// Package metrics exposes Prometheus instruments for the approval engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's instruments. A nil *Metrics records nothing.
type Metrics struct {
	// Counters
	actions     *prometheus.CounterVec
	transitions *prometheus.CounterVec

	// Histograms
	actionDuration *prometheus.HistogramVec
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		actions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certificates_actions_total",
				Help: "Total number of actions submitted, by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "certificates_transitions_total",
				Help: "Total number of committed status transitions",
			},
			[]string{"certificate_type", "from", "to"},
		),
		actionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "certificates_action_duration_seconds",
				Help:    "Action processing duration distribution",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
}

// ObserveAction records one processed action. outcome is "ok" or the
// lower-cased error code.
func (m *Metrics) ObserveAction(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

// ObserveTransition records a committed status change.
func (m *Metrics) ObserveTransition(certificateType, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(certificateType, from, to).Inc()
}
