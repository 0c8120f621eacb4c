package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	transcriptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "whisperd",
			Subsystem: "orchestrator",
			Name:      "transcriptions_total",
			Help:      "Total transcription requests by outcome",
		},
		[]string{"status"},
	)

	transcriptionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "whisperd",
		Subsystem: "orchestrator",
		Name:      "transcription_duration_seconds",
		Help:      "Duration of successful transcriptions in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	setModelFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whisperd",
		Subsystem: "orchestrator",
		Name:      "set_model_failures_total",
		Help:      "SetModel calls that rolled back after a started container",
	})
)

func init() {
	prometheus.MustRegister(transcriptions, transcriptionDuration, setModelFailures)
}
