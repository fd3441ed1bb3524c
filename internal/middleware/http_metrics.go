package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricHTTPRequestDuration = "http_request_duration_seconds"
	MetricHTTPRequestsTotal   = "http_requests_total"
)

// HTTPMetrics contains Prometheus metrics for the management API.
// All operations are thread-safe.
type HTTPMetrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
}

// NewHTTPMetrics creates the HTTP collectors. They are not registered; call
// Register with a registry.
func NewHTTPMetrics() *HTTPMetrics {
	return &HTTPMetrics{
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1.0, 2.0},
			},
			[]string{"method", "path", "status"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Register registers all collectors with the given registry.
func (m *HTTPMetrics) Register(reg prometheus.Registerer) error {
	if err := reg.Register(m.requestDuration); err != nil {
		return err
	}
	return reg.Register(m.requestsTotal)
}

// normalizePath converts paths with dynamic segments to route patterns to
// prevent cardinality explosion in metrics. Record ids map to a placeholder.
func normalizePath(path string) string {
	staticRoutes := map[string]bool{
		"/":                      true,
		"/audit/events":          true,
		"/audit/verify":          true,
		"/audit/tamper-check":    true,
		"/audit/integrity-check": true,
		"/audit/stats":           true,
		"/audit/export":          true,
		"/audit/proof/verify":    true,
		"/keys/public":           true,
		"/keys/rotate":           true,
		"/health":                true,
		"/ready":                 true,
		"/metrics":               true,
		"/ws":                    true,
	}
	if staticRoutes[path] {
		return path
	}

	if strings.HasPrefix(path, "/audit/records/") {
		parts := strings.Split(path, "/")
		// /audit/records/{id} and /audit/records/{id}/proof
		if len(parts) == 4 && parts[3] != "" {
			return "/audit/records/{id}"
		}
		if len(parts) == 5 && parts[4] == "proof" {
			return "/audit/records/{id}/proof"
		}
	}

	return "/other"
}

// HTTPMetricsMiddleware records request counts and latencies per normalized
// route.
func HTTPMetricsMiddleware(m *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			path := normalizePath(r.URL.Path)
			status := strconv.Itoa(rw.statusCode)
			m.requestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.requestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}
