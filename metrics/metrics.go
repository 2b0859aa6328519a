// Package metrics exposes the studio's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ItemsProcessed counts batch items that finished successfully.
	ItemsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grebe",
		Name:      "items_processed_total",
		Help:      "Batch items that completed the full pipeline.",
	})

	// ItemsFailed counts per-item failures by classification.
	ItemsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grebe",
		Name:      "items_failed_total",
		Help:      "Batch items that failed, labeled by error kind.",
	}, []string{"kind"})

	// CacheHits counts uploads answered from the result cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grebe",
		Name:      "cache_hits_total",
		Help:      "Uploads served from the content-hash result cache.",
	})

	// CacheMisses counts uploads that required a fresh computation.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "grebe",
		Name:      "cache_misses_total",
		Help:      "Uploads that missed the result cache.",
	})

	// InferenceDuration tracks wall time of individual model runs.
	InferenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "grebe",
		Name:      "inference_duration_seconds",
		Help:      "Depth model inference latency.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// Handler serves the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
