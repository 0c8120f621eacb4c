package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	containersStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whisperd",
		Subsystem: "lifecycle",
		Name:      "containers_started_total",
		Help:      "Total containers brought to running",
	})

	containersStopped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whisperd",
		Subsystem: "lifecycle",
		Name:      "containers_stopped_total",
		Help:      "Total containers stopped and removed",
	})

	sweepStops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whisperd",
		Subsystem: "lifecycle",
		Name:      "sweep_stops_total",
		Help:      "Containers stopped by the idle sweep",
	})
)

func init() {
	prometheus.MustRegister(containersStarted, containersStopped, sweepStops)
}
