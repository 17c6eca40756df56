package membrane

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_membrane_requests_total",
		Help: "Total number of Membrane gRPC calls by method and status code",
	}, []string{"method", "code"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "membrane_bridge_membrane_request_duration_seconds",
		Help:    "Duration of Membrane gRPC calls",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
}
