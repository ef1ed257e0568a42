// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(httpRequestsTotal, adminActionsTotal) }

var httpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served, by route pattern and status code.",
	},
	[]string{"route", "code"},
)

var adminActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "admin_action_total",
		Help: "Tracks attempts to use admin endpoints.",
	},
	[]string{"action", "status"}, // status: 'authorized', 'unauthorized'
)

func IncHTTPRequest(route string, code int) {
	httpRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

func IncAdminAction(action, status string) {
	adminActionsTotal.WithLabelValues(norm(action), norm(status)).Inc()
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
