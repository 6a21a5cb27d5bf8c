// Package metrics exposes the marathon's Prometheus counters on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marathon"

// Collector holds the metric vectors. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	WebhookRequests     *prometheus.CounterVec
	Activations         *prometheus.CounterVec
	CodeRedemptions     *prometheus.CounterVec
	ReportsSubmitted    prometheus.Counter
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Collector with its own registry, including Go runtime and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		WebhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Payment provider webhook calls by result code",
		}, []string{"provider", "method", "code"}),
		Activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activations_total",
			Help:      "Accounts flipped to paid, by payment source",
		}, []string{"source"}),
		CodeRedemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_redemptions_total",
			Help:      "Activation code redemption attempts by outcome",
		}, []string{"result"}),
		ReportsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_submitted_total",
			Help:      "Daily reports accepted",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	reg.MustRegister(
		c.WebhookRequests,
		c.Activations,
		c.CodeRedemptions,
		c.ReportsSubmitted,
		c.HTTPRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordWebhook counts one provider call.
func (c *Collector) RecordWebhook(provider, method string, code int) {
	if c == nil {
		return
	}
	c.WebhookRequests.WithLabelValues(provider, method, strconv.Itoa(code)).Inc()
}

// RecordActivation counts a committed paid transition.
func (c *Collector) RecordActivation(source string) {
	if c == nil {
		return
	}
	c.Activations.WithLabelValues(source).Inc()
}

// RecordRedemption counts a code redemption outcome.
func (c *Collector) RecordRedemption(result string) {
	if c == nil {
		return
	}
	c.CodeRedemptions.WithLabelValues(result).Inc()
}

// RecordReport counts an accepted daily report.
func (c *Collector) RecordReport() {
	if c == nil {
		return
	}
	c.ReportsSubmitted.Inc()
}

// RecordHTTPRequest observes one HTTP request.
func (c *Collector) RecordHTTPRequest(route, method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}
