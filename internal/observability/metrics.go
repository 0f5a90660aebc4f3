package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the engine and HTTP layer
// report into, registered against a caller-supplied registry so tests
// can use their own isolated registry instead of the global default.
type Metrics struct {
	SubmitsTotal           *prometheus.CounterVec
	TransportAttemptsTotal *prometheus.CounterVec
	RetriesTotal           *prometheus.CounterVec
	BreakerStateChanges    *prometheus.CounterVec
	QueueDepth             prometheus.Gauge
	AttemptDuration        *prometheus.HistogramVec

	// HTTP-layer instruments recorded by the logging middleware.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the delivery engine's instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubmitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_submits_total",
			Help: "Total submit() calls by resulting status.",
		}, []string{"status"}),
		TransportAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_transport_attempts_total",
			Help: "Total transport send attempts by transport and outcome kind.",
		}, []string{"transport", "outcome"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_retries_total",
			Help: "Total retry waits observed, by transport and layer (engine or queue).",
		}, []string{"transport", "layer"}),
		BreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions, by transport and new state.",
		}, []string{"transport", "state"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailgate_queue_depth",
			Help: "Current count of queued (ready + delayed) jobs.",
		}),
		AttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailgate_attempt_duration_seconds",
			Help:    "Duration of a single transport send attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailgate_http_requests_total",
			Help: "Total HTTP requests served, by method/path/status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailgate_http_request_duration_seconds",
			Help:    "Duration of an HTTP request, by method/path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
