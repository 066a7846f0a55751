package gpu

import "github.com/prometheus/client_golang/prometheus"

var gpuSlotsFree = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "foundry_gpu_slots_free",
		Help: "Number of free GPU slots in the executor of this process.",
	},
)

func init() {
	prometheus.MustRegister(gpuSlotsFree)
}
