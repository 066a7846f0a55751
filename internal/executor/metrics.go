package executor

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_steps_total",
			Help: "Total number of steps that reached a final status.",
		},
		[]string{"executor", "status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_step_duration_seconds",
			Help:    "Step run time from start to final status, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"executor"},
	)

	queuePolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_queue_polls_total",
			Help: "Total number of queue engine status checks.",
		},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(stepDuration)
	prometheus.MustRegister(queuePolls)
}
