package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics holds request-level instruments.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers HTTP instruments on the default registry.
func NewHTTPMetrics() *HTTPMetrics {
	return NewHTTPMetricsWith(prometheus.DefaultRegisterer)
}

// NewHTTPMetricsWith registers HTTP instruments on the given registry.
func NewHTTPMetricsWith(reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "splitcheck_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "splitcheck_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// GinMiddleware records request counts and latency.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// DispatcherMetrics holds task processing instruments.
type DispatcherMetrics struct {
	Processed *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	InFlight  prometheus.Gauge
}

// NewDispatcherMetrics registers dispatcher instruments on the default registry.
func NewDispatcherMetrics() *DispatcherMetrics {
	return NewDispatcherMetricsWith(prometheus.DefaultRegisterer)
}

// NewDispatcherMetricsWith registers dispatcher instruments on the given registry.
func NewDispatcherMetricsWith(reg prometheus.Registerer) *DispatcherMetrics {
	factory := promauto.With(reg)
	return &DispatcherMetrics{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "splitcheck_tasks_processed_total",
			Help: "Tasks completed by type.",
		}, []string{"type"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "splitcheck_tasks_failed_total",
			Help: "Tasks that returned an error or timed out, by type and reason.",
		}, []string{"type", "reason"}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "splitcheck_tasks_dropped_total",
			Help: "Envelopes discarded before dispatch, by reason.",
		}, []string{"reason"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "splitcheck_tasks_in_flight",
			Help: "Handlers currently executing.",
		}),
	}
}
