// Package metrics exposes Prometheus counters for task evaluation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values for lazypp_tasks_total.
const (
	ResultCached   = "cached"
	ResultExecuted = "executed"
	ResultFailed   = "failed"
)

// Metrics holds the collectors on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	reusable *prometheus.CounterVec
}

// New creates and registers the lazypp collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazypp_tasks_total",
				Help: "Task evaluations by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lazypp_task_duration_seconds",
				Help:    "Duration of task body executions",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"task"},
		),
		reusable: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lazypp_reusable_total",
				Help: "Reusable file opens by result",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(m.tasks, m.duration, m.reusable)
	return m
}

// TaskCached records a cache hit.
func (m *Metrics) TaskCached() {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(ResultCached).Inc()
}

// TaskExecuted records a successful body run of task that took d.
func (m *Metrics) TaskExecuted(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(ResultExecuted).Inc()
	m.duration.WithLabelValues(task).Observe(d.Seconds())
}

// TaskFailed records a failed evaluation.
func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(ResultFailed).Inc()
}

// ReusableHit records a reusable file served from the cache.
func (m *Metrics) ReusableHit() {
	if m == nil {
		return
	}
	m.reusable.WithLabelValues("hit").Inc()
}

// ReusableMiss records a reusable file the caller had to produce.
func (m *Metrics) ReusableMiss() {
	if m == nil {
		return
	}
	m.reusable.WithLabelValues("miss").Inc()
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
