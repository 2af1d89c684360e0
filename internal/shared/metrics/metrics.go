package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tryon"

var (
	tryOnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total try-on jobs by outcome kind",
	}, []string{"outcome"})

	tryOnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "duration_seconds",
		Help:      "End-to-end try-on duration in seconds",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180, 240},
	})

	pollsPerJob = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "polls_per_job",
		Help:      "Status polls issued per submitted job",
		Buckets:   prometheus.LinearBuckets(1, 5, 19),
	})

	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Provider API calls by operation and result",
	}, []string{"op", "result"})

	ledgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Ledger operations by kind and result",
	}, []string{"op", "result"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180},
	}, []string{"method", "path"})
)

// IncTryOn counts a finished try-on by outcome ("success" or a failure kind).
func IncTryOn(outcome string) {
	tryOnTotal.WithLabelValues(outcome).Inc()
}

// ObserveTryOnDuration records an end-to-end duration.
func ObserveTryOnDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	tryOnDuration.Observe(d.Seconds())
}

// ObservePolls records how many status polls a job used.
func ObservePolls(n int) {
	pollsPerJob.Observe(float64(n))
}

// IncProviderCall counts a provider call.
func IncProviderCall(op, result string) {
	providerCalls.WithLabelValues(op, result).Inc()
}

// IncLedgerOp counts a ledger operation.
func IncLedgerOp(op, result string) {
	ledgerOps.WithLabelValues(op, result).Inc()
}

// Middleware records per-route HTTP metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
