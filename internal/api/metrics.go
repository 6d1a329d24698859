package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/vidflow/internal/domain"
)

// Metrics is the API process registry. It also observes the orchestrator,
// so it is built before both and shared.
type Metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	jobsSubmitted     *prometheus.CounterVec
	dispatchFailures  *prometheus.CounterVec
	callbacksRecorded *prometheus.CounterVec
	workerExits       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidflow_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vidflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidflow_api_rate_limit_rejections_total",
			Help: "Total submissions rejected by rate limiting, by exhausted budget.",
		}, []string{"route", "scope"}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidflow_jobs_submitted_total",
			Help: "Jobs accepted for processing by preset.",
		}, []string{"preset"}),
		dispatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidflow_dispatch_failures_total",
			Help: "Jobs whose worker unit could not be launched, by preset.",
		}, []string{"preset"}),
		callbacksRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidflow_callbacks_recorded_total",
			Help: "Worker callbacks persisted, by resulting job state.",
		}, []string{"state"}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vidflow_worker_exits_total",
			Help: "Locally launched worker processes that exited, by exit code.",
		}, []string{"code"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.jobsSubmitted,
		m.dispatchFailures,
		m.callbacksRecorded,
		m.workerExits,
	)
	return m
}

// Registerer lets other components in the API process add collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobSubmitted(preset string) {
	m.jobsSubmitted.WithLabelValues(preset).Inc()
}

func (m *Metrics) DispatchFailed(preset string) {
	m.dispatchFailures.WithLabelValues(preset).Inc()
}

func (m *Metrics) CallbackRecorded(state domain.JobState) {
	m.callbacksRecorded.WithLabelValues(state.String()).Inc()
}

// WorkerExited counts a reaped worker process. Its signature matches
// dispatch.WithExitHook.
func (m *Metrics) WorkerExited(_ string, exitCode int) {
	m.workerExits.WithLabelValues(strconv.Itoa(exitCode)).Inc()
}

func (m *Metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routePattern(r)
		status := strconv.Itoa(ww.Status())
		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}
