package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	entriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse_apm",
			Name:      "entries_total",
			Help:      "Total telemetry entries recorded, partitioned by watcher type.",
		},
		[]string{"type"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse_apm",
			Name:      "alerts_total",
			Help:      "Total alerts emitted, partitioned by severity.",
		},
		[]string{"severity"},
	)

	tracesFinalizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulse_apm",
			Name:      "traces_finalized_total",
			Help:      "Total correlation contexts finalized.",
		},
	)

	tracesDiscardedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulse_apm",
			Name:      "traces_discarded_total",
			Help:      "Total stale correlation contexts discarded without a request record.",
		},
	)

	traceDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pulse_apm",
			Name:      "trace_seconds",
			Help:      "End to end duration of finalized traces in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	traceHealthScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pulse_apm",
			Name:      "trace_health_score",
			Help:      "Health score of finalized traces.",
			Buckets:   []float64{10, 25, 50, 70, 90, 100},
		},
	)

	circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pulse_apm",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per circuit: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"circuit"},
	)

	circuitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulse_apm",
			Name:      "circuit_rejections_total",
			Help:      "Calls rejected by an open circuit, partitioned by circuit.",
		},
		[]string{"circuit"},
	)
)

// Register attaches pulse-apm collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		entriesTotal,
		alertsTotal,
		tracesFinalizedTotal,
		tracesDiscardedTotal,
		traceDurationSeconds,
		traceHealthScore,
		circuitState,
		circuitRejectionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveEntry counts one recorded entry.
func ObserveEntry(watcherType string) {
	entriesTotal.WithLabelValues(watcherType).Inc()
}

// ObserveAlert counts one emitted alert.
func ObserveAlert(severity string) {
	alertsTotal.WithLabelValues(severity).Inc()
}

// ObserveTrace records one finalized trace.
func ObserveTrace(duration time.Duration, healthScore int) {
	tracesFinalizedTotal.Inc()
	if duration < 0 {
		duration = 0
	}
	traceDurationSeconds.Observe(duration.Seconds())
	traceHealthScore.Observe(float64(healthScore))
}

// ObserveDiscard counts one discarded trace.
func ObserveDiscard() {
	tracesDiscardedTotal.Inc()
}

// SetCircuitState publishes the numeric state of one circuit.
func SetCircuitState(circuit string, state float64) {
	circuitState.WithLabelValues(circuit).Set(state)
}

// ObserveCircuitRejection counts one rejected call.
func ObserveCircuitRejection(circuit string) {
	circuitRejectionsTotal.WithLabelValues(circuit).Inc()
}
