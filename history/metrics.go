package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "history",
		Name:      "cache_hits_total",
		Help:      "Feed requests served from cache.",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "history",
		Name:      "cache_misses_total",
		Help:      "Feed requests that rebuilt a snapshot.",
	})

	invalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "anchord",
		Subsystem: "history",
		Name:      "invalidations_total",
		Help:      "Cache flushes caused by terminal transitions.",
	})
)
