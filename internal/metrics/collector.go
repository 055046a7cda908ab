// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and records the engine's Prometheus metrics.
// A nil *Collector is valid and records nothing, so components can take a
// collector without caring whether metrics are wired.
type Collector struct {
	callbacksApplied  *prometheus.CounterVec
	callbacksRejected *prometheus.CounterVec
	waitTimeouts      prometheus.Counter

	turnsTotal    *prometheus.CounterVec
	loopOutcomes  *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	toolDispatch  *prometheus.CounterVec

	cacheHits      *prometheus.CounterVec
	cacheFallbacks *prometheus.CounterVec
	fetchFailures  *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
}

// NewCollector creates a collector registered on the given registerer.
// Pass prometheus.DefaultRegisterer for process-wide metrics.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		callbacksApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_applied_total",
			Help:      "Callbacks matched to a live wait registration and applied",
		}, []string{"outcome"}),
		callbacksRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_rejected_total",
			Help:      "Callbacks discarded as unknown, duplicate, or racing",
		}, []string{"reason"}),
		waitTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_timeouts_total",
			Help:      "Wait registrations expired by the sweeper",
		}),
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns executed",
		}, []string{"result"}),
		loopOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_outcomes_total",
			Help:      "Turn loop terminations by outcome",
		}, []string{"outcome"}),
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of one agent turn",
			Buckets:   prometheus.DefBuckets,
		}),
		toolDispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_dispatch_total",
			Help:      "Tool invocations by tool name and result",
		}, []string{"tool", "result"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_cache_hits_total",
			Help:      "Department inventory reads served from cache",
		}, []string{"department"}),
		cacheFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_fallbacks_total",
			Help:      "Department inventory reads that fell back to the authoritative source",
		}, []string{"department"}),
		fetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_fetch_failures_total",
			Help:      "Authoritative fetches that failed and degraded to empty",
		}, []string{"department"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inventory_fetch_duration_seconds",
			Help:      "Duration of authoritative department fetches",
			Buckets:   prometheus.DefBuckets,
		}, []string{"department"}),
	}
}

func (c *Collector) CallbackApplied(outcome string) {
	if c == nil {
		return
	}
	c.callbacksApplied.WithLabelValues(outcome).Inc()
}

func (c *Collector) CallbackRejected(reason string) {
	if c == nil {
		return
	}
	c.callbacksRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) WaitTimedOut() {
	if c == nil {
		return
	}
	c.waitTimeouts.Inc()
}

func (c *Collector) TurnExecuted(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(result).Inc()
	c.turnDuration.Observe(d.Seconds())
}

func (c *Collector) LoopFinished(outcome string) {
	if c == nil {
		return
	}
	c.loopOutcomes.WithLabelValues(outcome).Inc()
}

func (c *Collector) ToolDispatched(tool, result string) {
	if c == nil {
		return
	}
	c.toolDispatch.WithLabelValues(tool, result).Inc()
}

func (c *Collector) CacheHit(department string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(department).Inc()
}

func (c *Collector) CacheFallback(department string) {
	if c == nil {
		return
	}
	c.cacheFallbacks.WithLabelValues(department).Inc()
}

func (c *Collector) FetchFailed(department string) {
	if c == nil {
		return
	}
	c.fetchFailures.WithLabelValues(department).Inc()
}

func (c *Collector) FetchObserved(department string, d time.Duration) {
	if c == nil {
		return
	}
	c.fetchDuration.WithLabelValues(department).Observe(d.Seconds())
}
