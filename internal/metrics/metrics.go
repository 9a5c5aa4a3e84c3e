// Package metrics exposes Prometheus collectors for the governance core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts transition attempts, remediation attempts and gate
// cycle outcomes. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitionAttempts  *prometheus.CounterVec
	remediationAttempts *prometheus.CounterVec
	gateCycles          *prometheus.CounterVec
}

// New registers the collectors with reg and returns the Metrics handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		transitionAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateline_transition_attempts_total",
				Help: "Transition attempts by result (accepted, rejected, noop)",
			},
			[]string{"result"},
		),
		remediationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateline_remediation_attempts_total",
				Help: "Remediation hook invocations by outcome",
			},
			[]string{"outcome"},
		),
		gateCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateline_gate_cycles_total",
				Help: "Completed gating cycles by terminal outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) TransitionAttempt(result string) {
	if m == nil {
		return
	}
	m.transitionAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) RemediationAttempt(outcome string) {
	if m == nil {
		return
	}
	m.remediationAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GateCycle(outcome string) {
	if m == nil {
		return
	}
	m.gateCycles.WithLabelValues(outcome).Inc()
}
