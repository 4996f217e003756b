package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks checkpoint chain health.
type Metrics struct {
	queueDepth prometheus.Gauge
	writes     *prometheus.CounterVec
	failures   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "credtrust_checkpoint_queue_depth",
			Help: "Mutations waiting to be written to the durable store",
		}),
		writes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_checkpoint_writes_total",
			Help: "Mutations written to the durable store by op",
		}, []string{"op"}),
		failures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_checkpoint_failures_total",
			Help: "Mutations that could not be written to the durable store",
		}),
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) IncCheckpointWrite(op string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(op).Inc()
}

func (m *Metrics) IncCheckpointFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}
