// Package metric provides the Prometheus registry used by the kernel bridge.
//
// A MetricsRegistry wraps a private prometheus.Registry, registers the core
// bridge metrics (kernel lifecycle, link traffic, HTTP gateway) plus the Go
// runtime and process collectors, and lets components register their own
// collectors under a "component.metric" key that rejects duplicates.
//
// The registry is exposed over HTTP by mounting Handler() on the gateway mux:
//
//	registry := metric.NewMetricsRegistry()
//	mux.Handle("GET /metrics", registry.Handler())
//
// Core metrics are recorded through the helper methods on Metrics:
//
//	registry.CoreMetrics().RecordRestart()
//	registry.CoreMetrics().RecordMessageDropped("unknown_kind")
package metric
