// Package metrics exposes Prometheus metrics for the evaluator, executor,
// and action cache.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects every Prometheus series this module exposes, namespaced
// "buildcore". All metrics are safe for concurrent use.
type Metrics struct {
	inflightActions prometheus.Gauge
	queueDepth      prometheus.Gauge

	actionLatencyMS *prometheus.HistogramVec

	restarts           *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	backpressureEvents *prometheus.CounterVec
	rewinds            *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers every metric with registry. A nil registry uses
// prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	m := &Metrics{enabled: true}

	m.inflightActions = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildcore",
		Name:      "inflight_actions",
		Help:      "Current number of actions executing concurrently",
	})

	m.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "buildcore",
		Name:      "frontier_queue_depth",
		Help:      "Number of keys currently pending in the evaluator's frontier",
	})

	m.actionLatencyMS = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "buildcore",
		Name:      "action_latency_ms",
		Help:      "Action execution duration in milliseconds, from start to completion",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
	}, []string{"mnemonic", "status"}) // status: success, failed, timeout

	m.restarts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildcore",
		Name:      "evaluator_restarts_total",
		Help:      "Cumulative count of evaluator key restarts caused by missing dependencies",
	}, []string{"function_name"})

	m.cacheHits = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildcore",
		Name:      "action_cache_hits_total",
		Help:      "Action cache probes that found a usable cached record",
	}, []string{"mnemonic"})

	m.cacheMisses = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildcore",
		Name:      "action_cache_misses_total",
		Help:      "Action cache probes that required execution",
	}, []string{"mnemonic"})

	m.backpressureEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildcore",
		Name:      "backpressure_events_total",
		Help:      "Frontier enqueue operations that observed the queue at or over capacity",
	}, []string{"reason"})

	m.rewinds = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "buildcore",
		Name:      "rewinds_total",
		Help:      "Lost-input rewind plans executed, by whether they were self-only",
	}, []string{"self_only"})

	return m
}

func (m *Metrics) RecordActionLatency(mnemonic, status string, d time.Duration) {
	if !m.isEnabled() {
		return
	}
	m.actionLatencyMS.WithLabelValues(mnemonic, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncrementRestarts(functionName string) {
	if !m.isEnabled() {
		return
	}
	m.restarts.WithLabelValues(functionName).Inc()
}

func (m *Metrics) IncrementCacheHit(mnemonic string) {
	if !m.isEnabled() {
		return
	}
	m.cacheHits.WithLabelValues(mnemonic).Inc()
}

func (m *Metrics) IncrementCacheMiss(mnemonic string) {
	if !m.isEnabled() {
		return
	}
	m.cacheMisses.WithLabelValues(mnemonic).Inc()
}

func (m *Metrics) UpdateQueueDepth(depth int64) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) UpdateInflightActions(n int64) {
	if !m.isEnabled() {
		return
	}
	m.inflightActions.Set(float64(n))
}

func (m *Metrics) IncrementBackpressure(reason string) {
	if !m.isEnabled() {
		return
	}
	m.backpressureEvents.WithLabelValues(reason).Inc()
}

// IncrementBackpressureBy adds n observed backpressure events at once,
// for callers (like the frontier) that only learn a cumulative count.
func (m *Metrics) IncrementBackpressureBy(reason string, n int64) {
	if !m.isEnabled() || n <= 0 {
		return
	}
	m.backpressureEvents.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) IncrementRewind(selfOnly bool) {
	if !m.isEnabled() {
		return
	}
	label := "false"
	if selfOnly {
		label = "true"
	}
	m.rewinds.WithLabelValues(label).Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable turns off recording without unregistering the series.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
