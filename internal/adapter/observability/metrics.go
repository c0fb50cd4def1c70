package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AgentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ace_agent_runs_total",
			Help: "Total number of agent executions by outcome and backend",
		},
		[]string{"status", "backend"},
	)
	TaskCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_completed_total",
			Help: "Total number of tasks completed via done marker",
		},
	)
	TaskNudgesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_nudges_total",
			Help: "Total number of nudge messages sent to stalled sessions",
		},
	)
	TaskRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_restarts_total",
			Help: "Total number of session restarts after exhausted nudges",
		},
	)
	TaskWaitTimeoutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_wait_timeout_total",
			Help: "Total number of tasks that timed out waiting for the done marker",
		},
	)
	TaskNudgeExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_nudge_exceeded_total",
			Help: "Total number of tasks failed after nudges and restarts were exhausted",
		},
	)
	TaskValidationFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ace_task_validation_failed_total",
			Help: "Total number of tasks whose done marker was malformed or empty",
		},
	)
	ActiveAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ace_active_agents",
			Help: "Number of agent slots currently running",
		},
	)
	AgentDurationSeconds = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "ace_agent_duration_seconds",
			Help: "Wall-clock duration of agent executions",
		},
		[]string{"backend"},
	)
	TaskDurationSeconds = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "ace_task_duration_seconds",
			Help: "Wall-clock duration from claim to terminal state",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AgentRunsTotal)
	prometheus.MustRegister(TaskCompletedTotal)
	prometheus.MustRegister(TaskNudgesTotal)
	prometheus.MustRegister(TaskRestartsTotal)
	prometheus.MustRegister(TaskWaitTimeoutTotal)
	prometheus.MustRegister(TaskNudgeExceededTotal)
	prometheus.MustRegister(TaskValidationFailedTotal)
	prometheus.MustRegister(ActiveAgents)
	prometheus.MustRegister(AgentDurationSeconds)
	prometheus.MustRegister(TaskDurationSeconds)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, httpStatusClass(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func httpStatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
