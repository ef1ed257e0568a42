package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(dbPoolConns, submissionWrites) }

var dbPoolConns = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "db_pool_connections",
		Help: "Current state of the database connection pool.",
	},
	[]string{"state"}, // 'total', 'idle', 'in_use'
)

var submissionWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "submission_record_writes_total",
		Help: "Submission record writes by operation and outcome.",
	},
	[]string{"op", "result"},
)

func SetDBPoolStats(total, idle, inUse int32) {
	dbPoolConns.WithLabelValues("total").Set(float64(total))
	dbPoolConns.WithLabelValues("idle").Set(float64(idle))
	dbPoolConns.WithLabelValues("in_use").Set(float64(inUse))
}

func IncSubmissionWrite(op, result string) {
	submissionWrites.WithLabelValues(norm(op), norm(result)).Inc()
}
