package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(breakerState, breakerRejections, rateLimitRejections) }

var breakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
	},
	[]string{"name"},
)

var breakerRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "circuit_breaker_rejections_total",
		Help: "Calls rejected without contacting the dependency.",
	},
	[]string{"name"},
)

var rateLimitRejections = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Requests rejected by a rate limiter.",
	},
	[]string{"limiter"},
)

func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(norm(name)).Set(float64(state))
}

func IncBreakerRejection(name string) {
	breakerRejections.WithLabelValues(norm(name)).Inc()
}

func IncRateLimited(limiter string) {
	rateLimitRejections.WithLabelValues(norm(limiter)).Inc()
}
