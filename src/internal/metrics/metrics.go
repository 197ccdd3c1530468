package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appraisal",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "appraisal",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	cycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appraisal",
			Subsystem: "cycles",
			Name:      "events_total",
			Help:      "Cycle lifecycle events by kind.",
		},
		[]string{"event"},
	)

	appraisalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appraisal",
			Subsystem: "appraisals",
			Name:      "transitions_total",
			Help:      "Appraisals moved into a state.",
		},
		[]string{"state"},
	)

	expirySweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appraisal",
			Subsystem: "scheduler",
			Name:      "expiry_sweeps_total",
			Help:      "Expired-cycle sweeps by outcome.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		cycleEvents,
		appraisalTransitions,
		expirySweeps,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request count and latency collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		method := strings.ToUpper(r.Method)
		path := routeLabel(r)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// routeLabel returns the matched chi route pattern, or "other" when nothing matched.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "other"
}

// RecordCycleEvent counts a cycle lifecycle event such as "created" or "closed".
func RecordCycleEvent(event string) {
	cycleEvents.WithLabelValues(event).Inc()
}

// RecordAppraisalTransition counts n appraisals entering state.
func RecordAppraisalTransition(state string, n int) {
	if n <= 0 {
		return
	}
	appraisalTransitions.WithLabelValues(state).Add(float64(n))
}

func RecordExpirySweep(success bool) {
	expirySweeps.WithLabelValues(strconv.FormatBool(success)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
