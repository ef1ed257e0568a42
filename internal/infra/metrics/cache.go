package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(cacheRequestsTotal, cacheWritesTotal) }

var cacheRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Tracks grading cache hits and misses per backend.",
	},
	[]string{"cache", "result"}, // e.g., cache="redis", result="hit"
)

var cacheWritesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cache_writes_total",
		Help: "Grading cache writes per backend and outcome.",
	},
	[]string{"cache", "result"}, // result: 'stored', 'skipped', 'error'
)

func IncCacheRequest(cacheName, result string) {
	cacheRequestsTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}

func IncCacheWrite(cacheName, result string) {
	cacheWritesTotal.WithLabelValues(norm(cacheName), norm(result)).Inc()
}
