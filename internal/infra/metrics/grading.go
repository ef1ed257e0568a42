package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(gradingJobsTotal, stageLatencyMs, locationFallbacksTotal) }

var gradingJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "grading_jobs_processed_total",
		Help: "Total number of grading jobs processed, labeled by status.",
	},
	[]string{"status"}, // 'done', 'failed', 'cancelled', 'retry_later', 'abandoned'
)

var stageLatencyMs = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "grading_stage_latency_ms",
		Help:    "Orchestrator stage latency in milliseconds.",
		Buckets: []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
	},
	[]string{"stage", "outcome"},
)

var locationFallbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "location_fallbacks_total",
		Help: "Error locations replaced by the question-center fallback, by cause.",
	},
	[]string{"cause"}, // 'low_confidence', 'malformed', 'service', 'empty'
)

func IncGradingJob(status string) {
	gradingJobsTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveStage(stage, outcome string, ms int64) {
	stageLatencyMs.WithLabelValues(norm(stage), norm(outcome)).Observe(float64(ms))
}

func IncLocationFallback(cause string) {
	locationFallbacksTotal.WithLabelValues(norm(cause)).Inc()
}
