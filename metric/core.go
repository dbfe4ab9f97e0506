package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "kernelbridge"

// Metrics contains the bridge-level metrics shared by the supervisor, the
// messaging link, the bridge router and the HTTP gateway.
type Metrics struct {
	// Service lifecycle
	ServiceStatus *prometheus.GaugeVec

	// Kernel process
	KernelPID           prometheus.Gauge
	KernelRestarts      prometheus.Counter
	KernelSpawnFailures prometheus.Counter
	KernelExits         prometheus.Counter

	// Messaging link
	LinkConnected    *prometheus.GaugeVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	CommandsSent     prometheus.Counter
	CommandsFailed   *prometheus.CounterVec

	// HTTP gateway
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates the bridge metrics. They are unregistered until handed
// to a MetricsRegistry.
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping)",
		}, []string{"service"}),

		KernelPID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "pid",
			Help:      "PID of the active kernel manager process (0 when none)",
		}),
		KernelRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "restarts_total",
			Help:      "Total number of supervised kernel manager restarts",
		}),
		KernelSpawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "spawn_failures_total",
			Help:      "Total number of failed kernel manager launches",
		}),
		KernelExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "exits_total",
			Help:      "Total number of unexpected kernel manager exits",
		}),

		LinkConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "connected",
			Help:      "Messaging link peer connection state (0=down, 1=up)",
		}, []string{"ident"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "messages_received_total",
			Help:      "Inbound frames routed into the result queue, by kind",
		}, []string{"kind"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "messages_dropped_total",
			Help:      "Inbound frames dropped, by reason",
		}, []string{"reason"}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "commands_sent_total",
			Help:      "Commands transmitted to the kernel manager",
		}),
		CommandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "commands_discarded_total",
			Help:      "Commands failed back to callers, by reason",
		}, []string{"reason"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP gateway requests, by route and status code",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP gateway request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.ServiceStatus,
		c.KernelPID,
		c.KernelRestarts,
		c.KernelSpawnFailures,
		c.KernelExits,
		c.LinkConnected,
		c.MessagesReceived,
		c.MessagesDropped,
		c.CommandsSent,
		c.CommandsFailed,
		c.HTTPRequests,
		c.HTTPDuration,
	}
}

// RecordServiceStatus updates service status metric
func (c *Metrics) RecordServiceStatus(service string, status int) {
	c.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordKernelStarted records the PID of a freshly spawned kernel manager.
func (c *Metrics) RecordKernelStarted(pid int) {
	c.KernelPID.Set(float64(pid))
}

// RecordKernelStopped clears the kernel PID gauge.
func (c *Metrics) RecordKernelStopped() {
	c.KernelPID.Set(0)
}

// RecordRestart increments the restart counter
func (c *Metrics) RecordRestart() {
	c.KernelRestarts.Inc()
}

// RecordSpawnFailure increments the spawn failure counter
func (c *Metrics) RecordSpawnFailure() {
	c.KernelSpawnFailures.Inc()
}

// RecordKernelExit increments the unexpected exit counter
func (c *Metrics) RecordKernelExit() {
	c.KernelExits.Inc()
	c.KernelPID.Set(0)
}

// RecordLinkState updates the link connection gauge for an identity
func (c *Metrics) RecordLinkState(ident string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.LinkConnected.WithLabelValues(ident).Set(value)
}

// RecordMessageReceived increments the routed message counter
func (c *Metrics) RecordMessageReceived(kind string) {
	c.MessagesReceived.WithLabelValues(kind).Inc()
}

// RecordMessageDropped increments the dropped frame counter
func (c *Metrics) RecordMessageDropped(reason string) {
	c.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordCommandSent increments the sent command counter
func (c *Metrics) RecordCommandSent() {
	c.CommandsSent.Inc()
}

// RecordCommandDiscarded counts commands failed back to callers
func (c *Metrics) RecordCommandDiscarded(reason string, n int) {
	c.CommandsFailed.WithLabelValues(reason).Add(float64(n))
}

// RecordHTTPRequest records one gateway request
func (c *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(route, httpCode(code)).Inc()
	c.HTTPDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
