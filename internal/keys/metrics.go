package keys

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	keysCreated        prometheus.Counter
	signingRotations   prometheus.Counter
	encryptionRotation *prometheus.CounterVec
	verifyFailures     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		keysCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_issuer_keys_created_total",
			Help: "Issuer signing keys generated on first use",
		}),
		signingRotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "credtrust_issuer_key_rotations_total",
			Help: "Issuer signing key rotations",
		}),
		encryptionRotation: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_key_encryption_rotations_total",
			Help: "Private keys processed during encryption-key rollover by result",
		}, []string{"result"}),
		verifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "credtrust_token_verify_failures_total",
			Help: "Token verification failures by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncKeyCreated() {
	if m == nil {
		return
	}
	m.keysCreated.Inc()
}

func (m *Metrics) IncSigningRotation() {
	if m == nil {
		return
	}
	m.signingRotations.Inc()
}

func (m *Metrics) AddEncryptionRotation(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.encryptionRotation.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) IncVerifyFailure(reason string) {
	if m == nil {
		return
	}
	m.verifyFailures.WithLabelValues(reason).Inc()
}
