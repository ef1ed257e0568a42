package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(queueDepth, leasesReapedTotal, tasksDeadTotal, poolWorkers, poolScaleEvents) }

var queueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "task_queue_depth",
		Help: "Tasks in the queue by state.",
	},
	[]string{"state"}, // 'pending', 'delayed', 'inflight', 'dead'
)

var leasesReapedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "task_leases_reaped_total",
		Help: "Expired processing leases whose task was made visible again.",
	},
)

var tasksDeadTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "task_dead_lettered_total",
		Help: "Tasks removed after exceeding the delivery limit.",
	},
)

var poolWorkers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "worker_pool_size",
		Help: "Current number of active grading workers.",
	},
)

var poolScaleEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "worker_pool_scale_total",
		Help: "Autoscaling decisions by direction.",
	},
	[]string{"direction"}, // 'up', 'down'
)

func SetQueueDepth(pending, delayed, inflight, dead int64) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("inflight").Set(float64(inflight))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

func AddLeasesReaped(n int) { leasesReapedTotal.Add(float64(n)) }

func AddTasksDead(n int) { tasksDeadTotal.Add(float64(n)) }

func SetPoolWorkers(n int) { poolWorkers.Set(float64(n)) }

func IncPoolScale(direction string) { poolScaleEvents.WithLabelValues(direction).Inc() }
