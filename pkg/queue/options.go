package queue

import (
	"github.com/itsharex/SolidUI/metric"
)

// Option configures queue behavior using the functional options pattern.
type Option func(*queueOptions)

// queueOptions holds internal configuration. Statistics are always
// collected; Prometheus metrics are optional.
type queueOptions struct {
	metricsReg *metric.MetricsRegistry
	name       string
}

// WithMetrics exports queue statistics as Prometheus metrics labelled with
// name. It is ignored when registry is nil or name is empty.
func WithMetrics(registry *metric.MetricsRegistry, name string) Option {
	return func(opts *queueOptions) {
		if registry != nil && name != "" {
			opts.metricsReg = registry
			opts.name = name
		}
	}
}

func applyOptions(options ...Option) *queueOptions {
	opts := &queueOptions{}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
