package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics counts and times API requests.
type HTTPMetrics struct {
	registry  *prometheus.Registry
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
	Webhooks  *prometheus.CounterVec
}

// NewHTTPMetrics registers the request collectors on a dedicated registry.
func NewHTTPMetrics(namespace string) *HTTPMetrics {
	if namespace == "" {
		namespace = "cardmarket"
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"route", "method", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"route"})
	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "payments",
		Name:      "webhook_events_total",
		Help:      "Payment webhook deliveries by event type and outcome.",
	}, []string{"type", "outcome"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(requests, latency, webhooks, collectors.NewGoCollector())
	return &HTTPMetrics{registry: reg, Requests: requests, LatencyMS: latency, Webhooks: webhooks}
}

// ObserveWebhook counts one webhook delivery. Safe on a nil receiver.
func (m *HTTPMetrics) ObserveWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(eventType, outcome).Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
