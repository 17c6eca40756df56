package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_delivery_attempts_total",
		Help: "Total number of sink invocations by mode (drain, flush)",
	}, []string{"mode"})

	deliverySuccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_delivery_success_total",
		Help: "Total number of items delivered by ingest method",
	}, []string{"method"})

	deliveryFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_delivery_failure_total",
		Help: "Total number of failed delivery attempts by error type",
	}, []string{"error_type"})

	deliveryDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_delivery_dropped_total",
		Help: "Total number of items dropped without delivery by reason",
	}, []string{"reason"})

	deliveryBackoffSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "membrane_bridge_delivery_backoff_seconds",
		Help: "Current global backoff delay in seconds (0 when not backing off)",
	})

	deliveryState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "membrane_bridge_delivery_state",
		Help: "Current delivery manager state (1 = active state): idle, draining, backing_off, flushing, closed",
	}, []string{"state"})

	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "membrane_bridge_flush_duration_seconds",
		Help:    "Duration of deadline-bounded flushes",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(deliveryAttemptsTotal)
	prometheus.MustRegister(deliverySuccessTotal)
	prometheus.MustRegister(deliveryFailureTotal)
	prometheus.MustRegister(deliveryDroppedTotal)
	prometheus.MustRegister(deliveryBackoffSeconds)
	prometheus.MustRegister(deliveryState)
	prometheus.MustRegister(flushDuration)
}

func recordDrop(reason error, n int) {
	if n <= 0 {
		return
	}
	deliveryDroppedTotal.WithLabelValues(dropReason(reason)).Add(float64(n))
}

func setStateMetric(s State) {
	for _, st := range []State{StateIdle, StateDraining, StateBackingOff, StateFlushing, StateClosed} {
		v := 0.0
		if st == s {
			v = 1
		}
		deliveryState.WithLabelValues(st.String()).Set(v)
	}
}
