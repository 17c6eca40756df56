package intake

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	intakeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_intake_requests_total",
		Help: "Total number of intake HTTP requests by response code",
	}, []string{"code"})

	intakeEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "membrane_bridge_intake_events_total",
		Help: "Total number of decoded events by result (accepted, ignored)",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(intakeRequestsTotal)
	prometheus.MustRegister(intakeEventsTotal)

	intakeEventsTotal.WithLabelValues("accepted").Add(0)
	intakeEventsTotal.WithLabelValues("ignored").Add(0)
}
