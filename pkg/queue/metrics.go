package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/itsharex/SolidUI/metric"
)

// queueMetrics holds Prometheus metrics for one queue
type queueMetrics struct {
	pushes prometheus.Counter
	pops   prometheus.Counter
	depth  prometheus.Gauge
}

func newQueueMetrics(registry *metric.MetricsRegistry, name string) (*queueMetrics, error) {
	labels := prometheus.Labels{"queue": name}
	m := &queueMetrics{
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kernelbridge",
			Subsystem:   "queue",
			Name:        "pushes_total",
			ConstLabels: labels,
			Help:        "Total number of items pushed onto the queue",
		}),
		pops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "kernelbridge",
			Subsystem:   "queue",
			Name:        "pops_total",
			ConstLabels: labels,
			Help:        "Total number of items removed from the queue",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kernelbridge",
			Subsystem:   "queue",
			Name:        "depth",
			ConstLabels: labels,
			Help:        "Current number of queued items",
		}),
	}

	if err := registry.RegisterCounter(name, "queue_pushes", m.pushes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(name, "queue_pops", m.pops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(name, "queue_depth", m.depth); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) recordPush(size int) {
	m.pushes.Inc()
	m.depth.Set(float64(size))
}

func (m *queueMetrics) recordPop(n, size int) {
	m.pops.Add(float64(n))
	m.depth.Set(float64(size))
}
