package provisioning

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for streetstage_provisioning_outcomes_total.
const (
	OutcomeCreated    = "created"
	OutcomeIdempotent = "idempotent"
	OutcomeInvalid    = "invalid"
	OutcomeConflict   = "conflict"
	OutcomeRolledBack = "rolled_back"
	OutcomeFailed     = "failed"
)

// Metrics holds the Prometheus collectors for account provisioning.
type Metrics struct {
	Outcomes      *prometheus.CounterVec // streetstage_provisioning_outcomes_total{outcome}
	Compensations *prometheus.CounterVec // streetstage_provisioning_compensations_total{action,result}
}

// NewMetrics creates the provisioning collectors and registers them with
// registry. A nil registry leaves them unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streetstage_provisioning_outcomes_total",
			Help: "Account provisioning attempts by final outcome",
		}, []string{"outcome"}),

		Compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streetstage_provisioning_compensations_total",
			Help: "Compensating actions by action and result",
		}, []string{"action", "result"}),
	}
}

func (m *Metrics) recordOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordCompensations(results []CompensationResult) {
	if m == nil {
		return
	}
	for _, r := range results {
		result := "ok"
		if r.Err != nil {
			result = "error"
		}
		m.Compensations.WithLabelValues(r.Name, result).Inc()
	}
}
