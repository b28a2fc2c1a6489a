// Package telemetry holds the Prometheus metrics exported on /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EntitiesIndexed is the current number of entities in the engine.
	EntitiesIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "waymark_entities_indexed",
		Help: "Number of entities currently indexed",
	})

	// IndexOps counts index mutations by operation and result.
	IndexOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waymark_index_operations_total",
		Help: "Index mutations by operation and result",
	}, []string{"operation", "result"})

	// SyncDuration tracks full vault scans.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "waymark_sync_duration_seconds",
		Help:    "Full vault sync duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// Transitions counts status transitions by entity type and result.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waymark_transitions_total",
		Help: "Status transitions by entity type and result",
	}, []string{"type", "result"})

	// CascadeUpdates counts entities changed by cascades.
	CascadeUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waymark_cascade_updates_total",
		Help: "Entities updated or archived by cascades",
	}, []string{"kind"})

	// SearchDuration tracks search latency.
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "waymark_search_duration_seconds",
		Help:    "Search duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
	})

	// WatchEvents counts watcher-driven index changes by kind.
	WatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waymark_watch_events_total",
		Help: "Watcher-driven index changes by kind",
	}, []string{"kind"})

	// CycleChecks counts dependency cycle checks by outcome.
	CycleChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waymark_cycle_checks_total",
		Help: "Dependency cycle checks by outcome",
	}, []string{"outcome"})
)

// Result maps an error to a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveSince records the seconds elapsed since start on h.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
