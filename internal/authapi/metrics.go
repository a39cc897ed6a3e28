package authapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	portalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_auth_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	portalRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_auth_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	portalRegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_auth_registrations_total",
		Help: "Total user registrations by role.",
	}, []string{"role"})

	portalLoginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_auth_logins_total",
		Help: "Total login resolutions by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a gin middleware that records per-request
// metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		portalRequestsTotal.WithLabelValues(method, path, status).Inc()
		portalRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordRegistration(role string) {
	portalRegistrationsTotal.WithLabelValues(role).Inc()
}

func recordLogin(result string) {
	portalLoginsTotal.WithLabelValues(result).Inc()
}
