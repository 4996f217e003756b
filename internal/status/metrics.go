package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	revocations      *prometheus.CounterVec
	allocations      prometheus.Counter
	rollovers        prometheus.Counter
	revisionFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		revocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_revocations_total",
			Help: "Revoke calls by outcome (revoked, already_revoked)",
		}, []string{"outcome"}),
		allocations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_status_slots_allocated_total",
			Help: "Status list slots handed to issued credentials",
		}),
		rollovers: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_status_list_rollovers_total",
			Help: "Status lists retired because every slot was allocated",
		}),
		revisionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_status_revision_failures_total",
			Help: "Revocations whose status revision bump failed",
		}),
	}
}

func (m *Metrics) IncRevocation(already bool) {
	if m == nil {
		return
	}
	outcome := "revoked"
	if already {
		outcome = "already_revoked"
	}
	m.revocations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAllocation() {
	if m == nil {
		return
	}
	m.allocations.Inc()
}

func (m *Metrics) IncRollover() {
	if m == nil {
		return
	}
	m.rollovers.Inc()
}

func (m *Metrics) IncRevisionFailure() {
	if m == nil {
		return
	}
	m.revisionFailures.Inc()
}
