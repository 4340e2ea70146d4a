package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notification_pipeline"

// Metrics stores Prometheus collectors used by the consumers and the ops server.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	eventsPublishedTotal  *prometheus.CounterVec
	eventsHandledTotal    *prometheus.CounterVec
	handlerDuration       *prometheus.HistogramVec
	consumerInflight      *prometheus.GaugeVec
	deliveriesSentTotal   *prometheus.CounterVec
	deliveriesFailedTotal *prometheus.CounterVec
	deliveryDuration      *prometheus.HistogramVec
	retryScheduledTotal   *prometheus.CounterVec
	deadLetteredTotal     *prometheus.CounterVec
	escalationFailures    *prometheus.CounterVec
	requeuePending        prometheus.Gauge
	deadLettersArchived   prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		eventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Total number of notification events published by topic.",
			},
			[]string{"topic"},
		),
		eventsHandledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_handled_total",
				Help:      "Total number of consumed events by consumer, type, and outcome.",
			},
			[]string{"consumer", "type", "outcome"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler router duration in seconds grouped by consumer.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"consumer"},
		),
		consumerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consumer_inflight",
				Help:      "Current number of events being handled grouped by consumer.",
			},
			[]string{"consumer"},
		),
		deliveriesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_sent_total",
				Help:      "Total number of channel deliveries sent successfully.",
			},
			[]string{"channel"},
		),
		deliveriesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_failed_total",
				Help:      "Total number of channel deliveries that failed.",
			},
			[]string{"channel", "reason"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_duration_seconds",
				Help:      "Provider send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of events re-enqueued to the retry topic.",
			},
			[]string{"type"},
		),
		deadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_lettered_total",
				Help:      "Total number of events published to the dead-letter topic.",
			},
			[]string{"type"},
		),
		escalationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalation_failures_total",
				Help:      "Total number of failed events that could be neither retried nor dead-lettered.",
			},
			[]string{"consumer"},
		),
		requeuePending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requeue_pending",
				Help:      "Current number of events held by the requeue scheduler.",
			},
		),
		deadLettersArchived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_archived_total",
				Help:      "Total number of dead-letter records stored in the archive.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.eventsPublishedTotal,
		m.eventsHandledTotal,
		m.handlerDuration,
		m.consumerInflight,
		m.deliveriesSentTotal,
		m.deliveriesFailedTotal,
		m.deliveryDuration,
		m.retryScheduledTotal,
		m.deadLetteredTotal,
		m.escalationFailures,
		m.requeuePending,
		m.deadLettersArchived,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEventPublished(topic string) {
	if m == nil {
		return
	}
	m.eventsPublishedTotal.WithLabelValues(normalizeLabel(topic)).Inc()
}

// ObserveHandled records one consumed event. outcome is "acknowledged" or
// "escalated".
func (m *Metrics) ObserveHandled(consumer string, eventType string, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	consumerLabel := normalizeLabel(consumer)
	m.eventsHandledTotal.WithLabelValues(consumerLabel, normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
	m.handlerDuration.WithLabelValues(consumerLabel).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncConsumerInFlight(consumer string) {
	if m == nil {
		return
	}
	m.consumerInflight.WithLabelValues(normalizeLabel(consumer)).Inc()
}

func (m *Metrics) DecConsumerInFlight(consumer string) {
	if m == nil {
		return
	}
	m.consumerInflight.WithLabelValues(normalizeLabel(consumer)).Dec()
}

func (m *Metrics) IncDeliverySent(channel string) {
	if m == nil {
		return
	}
	m.deliveriesSentTotal.WithLabelValues(normalizeLabel(channel)).Inc()
}

func (m *Metrics) IncDeliveryFailed(channel string, reason string) {
	if m == nil {
		return
	}
	m.deliveriesFailedTotal.WithLabelValues(normalizeLabel(channel), normalizeLabel(reason)).Inc()
}

func (m *Metrics) ObserveDeliveryDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	m.deliveryDuration.WithLabelValues(normalizeLabel(channel)).Observe(nonNegativeSeconds(duration))
}

func (m *Metrics) IncRetryScheduled(eventType string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *Metrics) IncDeadLettered(eventType string) {
	if m == nil {
		return
	}
	m.deadLetteredTotal.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *Metrics) IncEscalationFailure(consumer string) {
	if m == nil {
		return
	}
	m.escalationFailures.WithLabelValues(normalizeLabel(consumer)).Inc()
}

func (m *Metrics) SetRequeuePending(n int) {
	if m == nil {
		return
	}
	m.requeuePending.Set(float64(n))
}

func (m *Metrics) IncDeadLetterArchived() {
	if m == nil {
		return
	}
	m.deadLettersArchived.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func nonNegativeSeconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
