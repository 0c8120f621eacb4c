package gpu

import "github.com/prometheus/client_golang/prometheus"

var allocatedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "whisperd",
	Subsystem: "gpu",
	Name:      "allocated_mb",
	Help:      "GPU memory currently reserved for containers, in MB",
})

func init() {
	prometheus.MustRegister(allocatedGauge)
}
