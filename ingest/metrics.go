package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Contract events ingested, by event name.",
	}, []string{"event"})

	watermarkBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "anchord",
		Subsystem: "ingest",
		Name:      "watermark_block",
		Help:      "Highest fully ingested block, by event name.",
	}, []string{"event"})

	pagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "ingest",
		Name:      "pages_total",
		Help:      "Event pages committed.",
	})

	reorgsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "ingest",
		Name:      "reorgs_total",
		Help:      "Reorgs that orphaned at least one confirmed anchor.",
	})
)
