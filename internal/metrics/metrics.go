// Package metrics exposes bridge metrics in the Prometheus format.
//
// Metrics implements the recorder interfaces of the bridge, link and broker
// packages so that they do not import this package.
package metrics

import (
	stderrors "errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/overlaybridge/overlay-bridge/internal/link"
	"github.com/overlaybridge/overlay-bridge/internal/pkg/errors"
)

const namespace = "overlay_bridge"

// Metrics holds all application metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// Bridge metrics
	Events    *prometheus.CounterVec // labels: direction
	Forwarded *prometheus.CounterVec // labels: direction, topic
	Dropped   *prometheus.CounterVec // labels: direction, reason

	// Link metrics
	LinkReady  *prometheus.GaugeVec   // labels: link
	LinkState  *prometheus.GaugeVec   // labels: link
	Reconnects *prometheus.CounterVec // labels: link

	// Broker metrics
	PublishLatency *prometheus.HistogramVec // labels: node
	PublishErrors  *prometheus.CounterVec   // labels: node, error_type

	// HTTP metrics
	HTTPRequests         *prometheus.CounterVec   // labels: method, path, status
	HTTPDuration         *prometheus.HistogramVec // labels: method, path
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates a new metrics instance with all metrics registered, Go runtime
// and process collectors included.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Messages received by a bridge direction",
		}, []string{"direction"}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_total",
			Help:      "Messages forwarded by a bridge direction",
		}, []string{"direction", "topic"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Messages not forwarded, by reason",
		}, []string{"direction", "reason"}),

		LinkReady: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_ready",
			Help:      "1 when the link is ready, 0 otherwise",
		}, []string{"link"}),
		LinkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_state",
			Help:      "Link state: 0 disconnected, 1 connecting, 2 ready",
		}, []string{"link"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects scheduled per link",
		}, []string{"link"}),

		PublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broker_publish_seconds",
			Help:      "Broker publish latency",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"node"}),
		PublishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publish_errors_total",
			Help:      "Failed broker publishes",
		}, []string{"node", "error_type"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Status server requests",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Status server request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Status server requests being served",
		}),
	}

	m.registry.MustRegister(
		m.Events,
		m.Forwarded,
		m.Dropped,
		m.LinkReady,
		m.LinkState,
		m.Reconnects,
		m.PublishLatency,
		m.PublishErrors,
		m.HTTPRequests,
		m.HTTPDuration,
		m.HTTPRequestsInFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordReceived counts a message entering a bridge direction.
func (m *Metrics) RecordReceived(direction string) {
	m.Events.WithLabelValues(direction).Inc()
}

// RecordForwarded counts a message a bridge delivered.
func (m *Metrics) RecordForwarded(direction, topic string) {
	m.Forwarded.WithLabelValues(direction, topic).Inc()
}

// RecordDropped counts a message a bridge did not deliver.
func (m *Metrics) RecordDropped(direction, reason string) {
	m.Dropped.WithLabelValues(direction, reason).Inc()
}

// LinkStateChanged tracks link state transitions.
func (m *Metrics) LinkStateChanged(name string, state link.State) {
	ready := 0.0
	if state == link.StateReady {
		ready = 1
	}
	m.LinkReady.WithLabelValues(name).Set(ready)
	m.LinkState.WithLabelValues(name).Set(float64(state))
}

// LinkReconnectScheduled counts a scheduled reconnect.
func (m *Metrics) LinkReconnectScheduled(name string, _ time.Duration) {
	m.Reconnects.WithLabelValues(name).Inc()
}

// RecordPublish records broker publish metrics.
func (m *Metrics) RecordPublish(node string, latency time.Duration, err error) {
	m.PublishLatency.WithLabelValues(node).Observe(latency.Seconds())
	if err != nil {
		m.PublishErrors.WithLabelValues(node, errorType(err)).Inc()
	}
}

// RecordHTTP records status server request metrics.
// This is called by the HTTP middleware.
func (m *Metrics) RecordHTTP(method, path string, status int, durationSeconds float64) {
	normalizedPath := normalizePath(path)
	m.HTTPRequests.WithLabelValues(method, normalizedPath, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, normalizedPath).Observe(durationSeconds)
}

// errorType maps an error to a low-cardinality label.
func errorType(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "generic"
}

// statusCode converts an HTTP status code to a metric label.
func statusCode(code int) string {
	if code < 100 || code >= 600 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
