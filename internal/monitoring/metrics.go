package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Outbound delivery metrics
	DeliveriesTotal          *prometheus.CounterVec
	DeliveryAttemptDuration  *prometheus.HistogramVec
	DeliveryQueueDepth       prometheus.Gauge
	DeliveryRetriesScheduled prometheus.Counter
	DeliveryLogWriteFailures *prometheus.CounterVec
	EventsPublished          *prometheus.CounterVec

	// Inbound metrics
	InboundRequests *prometheus.CounterVec

	// Secret metrics
	SecretRotations *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitHits *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		// Outbound delivery metrics
		DeliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_deliveries_total",
				Help: "Total number of delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		DeliveryAttemptDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_attempt_duration_seconds",
				Help:    "Webhook delivery attempt duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
		DeliveryQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hookrelay_delivery_queue_depth",
				Help: "Number of deliveries waiting for a worker",
			},
		),
		DeliveryRetriesScheduled: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "hookrelay_delivery_retries_scheduled_total",
				Help: "Total number of delivery retries scheduled",
			},
		),
		DeliveryLogWriteFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_delivery_log_write_failures_total",
				Help: "Delivery log writes that failed after all retries",
			},
			[]string{"operation"},
		),
		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_events_published_total",
				Help: "Total number of events published for delivery",
			},
			[]string{"event_type"},
		),

		// Inbound metrics
		InboundRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_inbound_requests_total",
				Help: "Total number of inbound webhook requests",
			},
			[]string{"mode", "result"},
		),

		// Secret metrics
		SecretRotations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_secret_rotations_total",
				Help: "Total number of secret and API key rotations",
			},
			[]string{"kind", "result"},
		),

		// Rate limiting metrics
		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"scope"},
		),

		// Database metrics
		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		// Circuit breaker metrics
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"subscription_id"},
		),
	}
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordDeliveryAttempt records the outcome and duration of one delivery attempt
func RecordDeliveryAttempt(outcome string, duration time.Duration) {
	m := Get()
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	m.DeliveryAttemptDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetDeliveryQueueDepth sets the number of queued deliveries
func SetDeliveryQueueDepth(depth int) {
	Get().DeliveryQueueDepth.Set(float64(depth))
}

// RecordRetryScheduled records a scheduled retry
func RecordRetryScheduled() {
	Get().DeliveryRetriesScheduled.Inc()
}

// RecordDeliveryLogWriteFailure records a delivery log write that could not be persisted
func RecordDeliveryLogWriteFailure(operation string) {
	Get().DeliveryLogWriteFailures.WithLabelValues(operation).Inc()
}

// RecordEventPublished records an event accepted for fan-out
func RecordEventPublished(eventType string) {
	Get().EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordInboundRequest records an inbound webhook request
func RecordInboundRequest(mode, result string) {
	Get().InboundRequests.WithLabelValues(mode, result).Inc()
}

// RecordSecretRotation records a secret or API key rotation
func RecordSecretRotation(kind, result string) {
	Get().SecretRotations.WithLabelValues(kind, result).Inc()
}

// RecordRateLimitHit records a rate limit hit
func RecordRateLimitHit(scope string) {
	Get().RateLimitHits.WithLabelValues(scope).Inc()
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(subscriptionID string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(subscriptionID).Set(state)
}
