package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	iterations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foundry_scheduler_iterations_total",
		Help: "Readiness checks performed by scheduler agents.",
	})

	sleepSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "foundry_scheduler_sleep_seconds",
		Help:    "Clamped sleep between scheduler readiness checks.",
		Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 300},
	})
)

func init() {
	prometheus.MustRegister(iterations, sleepSeconds)
}
