package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "pipeline",
		Name:      "submissions_total",
		Help:      "Submission outcomes by terminal status.",
	}, []string{"outcome"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "anchord",
		Subsystem: "pipeline",
		Name:      "in_flight",
		Help:      "Whether the signer's single submission slot is occupied.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "anchord",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Jobs waiting for the submission slot.",
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "pipeline",
		Name:      "retries_total",
		Help:      "Transient RPC errors retried during submission.",
	})
)
