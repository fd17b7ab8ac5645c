package internal

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "mvpdeploy"

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"method", "route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "deployment_status_transitions_total",
		Help:      "Deployment status writes by target status.",
	}, []string{"status"})

	workerSteps = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "worker_step_duration_seconds",
		Help:      "Duration of code transfer steps.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"step", "outcome"})

	providerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "provider_errors_total",
		Help:      "Failed calls to source-control and hosting providers.",
	}, []string{"provider", "operation"})

	publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "event_publish_errors_total",
		Help:      "Deployment event publish failures by driver.",
	}, []string{"driver"})

	eventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "events_consumed_total",
		Help:      "Deployment events handled by the watch consumer.",
	}, []string{"status", "outcome"})
)

func IncStatusTransition(status string) {
	statusTransitions.WithLabelValues(status).Inc()
}

func IncProviderError(provider, operation string) {
	providerErrors.WithLabelValues(provider, operation).Inc()
}

func IncPublishError(driver string) {
	publishErrors.WithLabelValues(driver).Inc()
}

// IncEventConsumed counts a handled status event.
func IncEventConsumed(status string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	eventsConsumed.WithLabelValues(status, outcome).Inc()
}

// ObserveWorkerStep records how long a transfer step took.
func ObserveWorkerStep(step string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	workerSteps.WithLabelValues(step, outcome).Observe(time.Since(started).Seconds())
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records request counts and latency per chi route pattern.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
