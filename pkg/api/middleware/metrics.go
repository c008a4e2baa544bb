package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// controlRequestsTotal counts control-surface requests by route and
	// response status.
	controlRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsecore",
			Subsystem: "control",
			Name:      "requests_total",
			Help:      "Total control-surface requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	// controlRequestDuration tracks control-surface latency per route.
	controlRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pulsecore",
			Subsystem: "control",
			Name:      "request_duration_seconds",
			Help:      "Control-surface request latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)

	// controlInFlight tracks requests currently being handled.
	controlInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "control",
			Name:      "requests_in_flight",
			Help:      "Control-surface requests currently being processed",
		},
	)
)

// MetricsMiddleware records request count, latency, and in-flight gauge
// for every control-surface route except /metrics itself.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method

		controlInFlight.Inc()
		start := time.Now()

		c.Next()

		controlInFlight.Dec()
		status := strconv.Itoa(c.Writer.Status())
		controlRequestsTotal.WithLabelValues(method, route, status).Inc()
		controlRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
