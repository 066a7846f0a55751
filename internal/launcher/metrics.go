package launcher

import "github.com/prometheus/client_golang/prometheus"

var launches = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "foundry_launches_total",
	Help: "Runner and scheduler launches by mode and result.",
}, []string{"mode", "result"})

func init() {
	prometheus.MustRegister(launches)
}
