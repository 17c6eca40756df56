package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "membrane_bridge_queue_size",
		Help: "Current number of items in the delivery queue",
	})

	queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "membrane_bridge_queue_capacity",
		Help: "Maximum number of items the delivery queue holds",
	})

	queuePushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membrane_bridge_queue_push_total",
		Help: "Total number of items pushed to the delivery queue, including retry reinsertions",
	})

	queueEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "membrane_bridge_queue_evictions_total",
		Help: "Total items evicted from the delivery queue when full",
	})
)

func init() {
	prometheus.MustRegister(queueSize)
	prometheus.MustRegister(queueCapacity)
	prometheus.MustRegister(queuePushTotal)
	prometheus.MustRegister(queueEvictionsTotal)

	queueSize.Set(0)
	queueEvictionsTotal.Add(0)
}
