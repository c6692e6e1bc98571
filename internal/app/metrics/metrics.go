package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pricewatch",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight ops API requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pricewatch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of ops API requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of ops API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pricewatch",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Total number of scheduled job runs by outcome.",
		},
		[]string{"job", "outcome"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Subsystem: "jobs",
			Name:      "run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"job"},
	)

	itemRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pricewatch",
			Subsystem: "refresh",
			Name:      "items_total",
			Help:      "Per-item refresh results.",
		},
		[]string{"result"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pricewatch",
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Notification delivery attempts by result.",
		},
		[]string{"result"},
	)

	leader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pricewatch",
			Subsystem: "scheduler",
			Name:      "leader",
			Help:      "1 when this instance holds the scheduler lease.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		jobRuns,
		jobDuration,
		itemRefreshes,
		notifications,
		leader,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordJobRun records one scheduled job run. Outcome is one of "ok",
// "failed", "skipped" or "panic".
func RecordJobRun(job, outcome string, duration time.Duration) {
	if job == "" {
		job = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobRuns.WithLabelValues(job, outcome).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordItemRefresh counts a per-item refresh result.
func RecordItemRefresh(result string) {
	itemRefreshes.WithLabelValues(result).Inc()
}

// RecordNotification counts a delivery attempt.
func RecordNotification(delivered bool) {
	result := "failed"
	if delivered {
		result = "delivered"
	}
	notifications.WithLabelValues(result).Inc()
}

// SetLeader reports whether this instance currently leads.
func SetLeader(leading bool) {
	if leading {
		leader.Set(1)
		return
	}
	leader.Set(0)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses ids so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "items":
		if len(parts) >= 3 {
			return "/items/:id/" + parts[2]
		}
		return "/items"
	case "jobs":
		if len(parts) >= 3 {
			return "/jobs/:name/" + parts[2]
		}
		return "/jobs"
	}
	return "/" + parts[0]
}
