// Package metrics exposes Prometheus collectors for decisions, runners and
// the HTTP status surface.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/taskwatch/internal/decision"
)

var (
	decisionsTotal             *prometheus.CounterVec
	decisionWaitSeconds        *prometheus.HistogramVec
	runnerStepsTotal           *prometheus.CounterVec
	runnerStepDurationSeconds  prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		decisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwatch_decisions_total",
				Help: "Total number of resolved presentation decisions, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		decisionWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskwatch_decision_wait_seconds",
				Help:    "Time from Run until the decision resolved, labeled by outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
			},
			[]string{"outcome"},
		)

		runnerStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskwatch_runner_steps_total",
				Help: "Total number of cooperative runner steps, labeled by result.",
			},
			[]string{"result"},
		)

		runnerStepDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskwatch_runner_step_duration_seconds",
				Help:    "Histogram of cooperative runner step durations.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision records a resolved decision.
func ObserveDecision(outcome string, wait time.Duration) {
	decisionsTotal.WithLabelValues(outcome).Inc()
	decisionWaitSeconds.WithLabelValues(outcome).Observe(wait.Seconds())
}

// ObserveStep records one runner step.
func ObserveStep(dur time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	runnerStepsTotal.WithLabelValues(result).Inc()
	runnerStepDurationSeconds.Observe(dur.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Recorder forwards decision and runner observations to the package
// collectors. It satisfies decision.Recorder and runner.Recorder.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// ObserveDecision implements decision.Recorder.
func (Recorder) ObserveDecision(outcome decision.Outcome, wait time.Duration) {
	ObserveDecision(outcome.String(), wait)
}

// ObserveStep implements runner.Recorder.
func (Recorder) ObserveStep(dur time.Duration, err error) {
	ObserveStep(dur, err)
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
