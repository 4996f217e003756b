package presentation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	requests  prometheus.Counter
	responses *prometheus.CounterVec
	pruned    prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_presentation_requests_total",
			Help: "Presentation requests created",
		}),
		responses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_presentation_responses_total",
			Help: "Presentation responses by outcome",
		}, []string{"outcome"}),
		pruned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_presentation_requests_pruned_total",
			Help: "Expired presentation requests removed by lazy pruning",
		}),
	}
}

func (m *Metrics) IncRequest() {
	if m == nil {
		return
	}
	m.requests.Inc()
}

func (m *Metrics) IncResponse(outcome string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}
