package service

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the conduct core.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	eventsAppended   *prometheus.CounterVec
	escalationsFired *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepStudents    prometheus.Gauge
	sweepFailures    prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	eventsAppended := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conduct_events_appended_total",
		Help: "Scored events appended to the ledger",
	}, []string{"kind"})

	escalationsFired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conduct_escalations_fired_total",
		Help: "Warning-letter tiers fired",
	}, []string{"tier"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "conduct_sweep_duration_seconds",
		Help:    "Duration of term sweeps",
		Buckets: prometheus.DefBuckets,
	})

	sweepStudents := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "conduct_sweep_students",
		Help: "Students processed by the last sweep",
	})

	sweepFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conduct_sweep_failures_total",
		Help: "Per-student failures skipped during sweeps",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, eventsAppended, escalationsFired, sweepDuration, sweepStudents, sweepFailures, goroutines)

	return &MetricsService{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		eventsAppended:   eventsAppended,
		escalationsFired: escalationsFired,
		sweepDuration:    sweepDuration,
		sweepStudents:    sweepStudents,
		sweepFailures:    sweepFailures,
	}
}

// Handler exposes the /metrics endpoint handler.
func (s *MetricsService) Handler() http.Handler {
	return s.handler
}

// ObserveHTTPRequest records one handled request.
func (s *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	labels := prometheus.Labels{"method": method, "path": path, "status": strconv.Itoa(status)}
	s.requestDuration.With(labels).Observe(duration.Seconds())
	s.requestTotal.With(labels).Inc()
}

// IncEventAppended counts one appended ledger event.
func (s *MetricsService) IncEventAppended(kind string) {
	s.eventsAppended.WithLabelValues(kind).Inc()
}

// IncEscalationFired counts one fired warning tier.
func (s *MetricsService) IncEscalationFired(tier int) {
	s.escalationsFired.WithLabelValues(strconv.Itoa(tier)).Inc()
}

// ObserveSweep records the outcome of one term sweep.
func (s *MetricsService) ObserveSweep(duration time.Duration, students, failures int) {
	s.sweepDuration.Observe(duration.Seconds())
	s.sweepStudents.Set(float64(students))
	s.sweepFailures.Add(float64(failures))
}
