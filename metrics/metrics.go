// Package metrics provides Prometheus metrics for volume roots and the
// metadata cache.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gobeaver/volumekit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Metadata cache metrics
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volumekit_cache_hits_total",
			Help: "Total number of metadata cache hits",
		},
		[]string{"op"},
	)

	cacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volumekit_cache_misses_total",
			Help: "Total number of metadata cache misses",
		},
		[]string{"op"},
	)

	// Volume metrics
	volumesDegradedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volumekit_volumes_degraded_total",
			Help: "Total number of volumes left out of the roots",
		},
		[]string{"kind"},
	)

	// Connector request metrics
	connectorRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volumekit_connector_requests_total",
			Help: "Total number of connector requests",
		},
		[]string{"status"},
	)

	connectorRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "volumekit_connector_request_duration_seconds",
			Help:    "Connector request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordCacheHit records a metadata cache hit. It matches the cache hit
// callback signature.
func RecordCacheHit(op, _ string) {
	cacheHitsTotal.WithLabelValues(op).Inc()
}

// RecordCacheMiss records a metadata cache miss.
func RecordCacheMiss(op, _ string) {
	cacheMissesTotal.WithLabelValues(op).Inc()
}

// RecordDegraded records a volume omitted from the roots.
func RecordDegraded(kind volumekit.Kind, _ error) {
	volumesDegradedTotal.WithLabelValues(string(kind)).Inc()
}

// RecordConnectorRequest records a finished connector request.
func RecordConnectorRequest(status int, duration time.Duration) {
	connectorRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	connectorRequestDuration.Observe(duration.Seconds())
}

// CacheOptions returns caching options feeding the cache counters.
func CacheOptions() []volumekit.CacheOption {
	return []volumekit.CacheOption{
		volumekit.WithCacheHitCallback(RecordCacheHit),
		volumekit.WithCacheMissCallback(RecordCacheMiss),
	}
}
