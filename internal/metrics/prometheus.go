package metrics

import (
	"net/http"
	"strconv"
	"time"

	"courier/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	gatherer prometheus.Gatherer

	accepted       *prometheus.CounterVec
	published      *prometheus.CounterVec
	consumed       *prometheus.CounterVec
	consumeLatency *prometheus.HistogramVec
	queueLag       *prometheus.HistogramVec
	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	deadLetters    *prometheus.CounterVec
	breakerState   *prometheus.GaugeVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus creates the collectors and registers them with reg. Passing a
// fresh prometheus.NewRegistry() keeps tests isolated from the default
// registry.
func NewPrometheus(reg *prometheus.Registry) *Prometheus {
	p := &Prometheus{
		gatherer: reg,
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_accepted_total",
			Help: "Notification requests accepted by intake, by type and initial status.",
		}, []string{"type", "status"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_published_total",
			Help: "Broker publishes by queue and result.",
		}, []string{"queue", "result"}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_consumed_total",
			Help: "Deliveries processed by consumers, by queue and result.",
		}, []string{"queue", "result"}),
		consumeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "message_processing_seconds",
			Help: "Handler duration per delivery.", Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		queueLag: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "queue_lag_seconds",
			Help:    "Time between message creation and processing start.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"queue"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "delivery_attempts_total",
			Help: "Provider send attempts by type, provider and result.",
		}, []string{"type", "provider", "result"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "delivery_attempt_seconds",
			Help: "Provider send latency.", Buckets: prometheus.DefBuckets,
		}, []string{"type", "provider"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_scheduled_total",
			Help: "Retries published to retry queues, by type and attempt number.",
		}, []string{"type", "attempt"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Messages published to failed.queue, by type and reason.",
		}, []string{"type", "reason"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "endpoint", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help: "HTTP request latency.", Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	reg.MustRegister(
		p.accepted, p.published, p.consumed, p.consumeLatency, p.queueLag,
		p.attempts, p.attemptLatency, p.retries, p.deadLetters, p.breakerState,
		p.requests, p.requestLatency,
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{})
}

func (p *Prometheus) NotificationAccepted(t types.NotificationType, status types.DeliveryState) {
	p.accepted.WithLabelValues(string(t), string(status)).Inc()
}

func (p *Prometheus) MessagePublished(queue string, result Result) {
	p.published.WithLabelValues(queue, string(result)).Inc()
}

func (p *Prometheus) MessageConsumed(queue string, result Result, d time.Duration) {
	p.consumed.WithLabelValues(queue, string(result)).Inc()
	p.consumeLatency.WithLabelValues(queue).Observe(d.Seconds())
}

func (p *Prometheus) QueueLag(queue string, lag time.Duration) {
	p.queueLag.WithLabelValues(queue).Observe(lag.Seconds())
}

func (p *Prometheus) DeliveryAttempt(t types.NotificationType, provider string, result Result, d time.Duration) {
	p.attempts.WithLabelValues(string(t), provider, string(result)).Inc()
	if result != ResultSkipped {
		p.attemptLatency.WithLabelValues(string(t), provider).Observe(d.Seconds())
	}
}

func (p *Prometheus) RetryScheduled(t types.NotificationType, attempt int) {
	p.retries.WithLabelValues(string(t), strconv.Itoa(attempt)).Inc()
}

func (p *Prometheus) DeadLettered(t types.NotificationType, reason string) {
	p.deadLetters.WithLabelValues(string(t), reason).Inc()
}

func (p *Prometheus) BreakerStateChanged(name string, _, to types.CircuitState) {
	var v float64
	switch to {
	case types.CircuitHalfOpen:
		v = 1
	case types.CircuitOpen:
		v = 2
	}
	p.breakerState.WithLabelValues(name).Set(v)
}

func (p *Prometheus) RecordRequest(method, endpoint, status string, d time.Duration) {
	p.requests.WithLabelValues(method, endpoint, status).Inc()
	p.requestLatency.WithLabelValues(method, endpoint).Observe(d.Seconds())
}
