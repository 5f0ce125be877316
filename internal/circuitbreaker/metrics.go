package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runner_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
	rejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runner_circuit_breaker_rejected_total",
			Help: "Requests rejected while the breaker was open or saturated",
		},
		[]string{"name"},
	)
)

func observeState(name string, s State) {
	stateGauge.WithLabelValues(name).Set(float64(s))
}

func recordRejected(name string) {
	rejectedTotal.WithLabelValues(name).Inc()
}
