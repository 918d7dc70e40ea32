// Package metrics exposes Prometheus counters for the matching, coherence and
// clustering services. Batch commands flush the registry to a node-exporter
// textfile instead of serving it over HTTP.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geostory"

// Manager owns a private registry and every metric recorded by the services.
// All methods are safe on a nil receiver.
type Manager struct {
	registry *prometheus.Registry

	matchCandidates     *prometheus.CounterVec
	matchRejected       prometheus.Counter
	matchArticles       *prometheus.CounterVec
	placeCacheRefreshes *prometheus.CounterVec

	coherenceArticles *prometheus.CounterVec
	coherenceDelta    prometheus.Histogram

	clusterDecisions   *prometheus.CounterVec
	clustersCreated    prometheus.Counter
	clustersDeactivate prometheus.Counter
	activeClusters     prometheus.Gauge

	batchDuration *prometheus.HistogramVec
}

func New() *Manager {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)

	return &Manager{
		registry: registry,
		matchCandidates: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placematch",
			Name:      "candidates_total",
			Help:      "Accepted place candidates by relation type",
		}, []string{"relation_type"}),
		matchRejected: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placematch",
			Name:      "rejected_total",
			Help:      "Place candidates discarded below the reject threshold",
		}),
		matchArticles: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placematch",
			Name:      "articles_total",
			Help:      "Articles processed by the place matcher by outcome",
		}, []string{"outcome"}),
		placeCacheRefreshes: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "placematch",
			Name:      "place_cache_refreshes_total",
			Help:      "Place list cache refresh attempts by result",
		}, []string{"result"}),
		coherenceArticles: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coherence",
			Name:      "articles_total",
			Help:      "Articles processed by the coherence pass by outcome",
		}, []string{"outcome"}),
		coherenceDelta: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coherence",
			Name:      "score_delta",
			Help:      "Score added to a candidate by the coherence pass",
			Buckets:   []float64{0, 0.03, 0.075, 0.12, 0.15, 0.3},
		}),
		clusterDecisions: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storycluster",
			Name:      "decisions_total",
			Help:      "Clustering decisions by action",
		}, []string{"action"}),
		clustersCreated: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storycluster",
			Name:      "created_total",
			Help:      "Story clusters created from pairing",
		}),
		clustersDeactivate: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storycluster",
			Name:      "deactivated_total",
			Help:      "Story clusters deactivated by retention",
		}),
		activeClusters: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storycluster",
			Name:      "index_active_clusters",
			Help:      "Active clusters held in the in-memory index",
		}),
		batchDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time of batch operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Manager) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Manager) MatchCandidate(relationType string) {
	if m == nil {
		return
	}
	m.matchCandidates.WithLabelValues(relationType).Inc()
}

func (m *Manager) MatchRejected() {
	if m == nil {
		return
	}
	m.matchRejected.Inc()
}

func (m *Manager) MatchArticle(outcome string) {
	if m == nil {
		return
	}
	m.matchArticles.WithLabelValues(outcome).Inc()
}

func (m *Manager) PlaceCacheRefresh(result string) {
	if m == nil {
		return
	}
	m.placeCacheRefreshes.WithLabelValues(result).Inc()
}

func (m *Manager) CoherenceArticle(outcome string) {
	if m == nil {
		return
	}
	m.coherenceArticles.WithLabelValues(outcome).Inc()
}

func (m *Manager) CoherenceDelta(delta float64) {
	if m == nil {
		return
	}
	m.coherenceDelta.Observe(delta)
}

func (m *Manager) ClusterDecision(action string) {
	if m == nil {
		return
	}
	m.clusterDecisions.WithLabelValues(action).Inc()
}

func (m *Manager) ClustersCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.clustersCreated.Add(float64(n))
}

func (m *Manager) ClustersDeactivated(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.clustersDeactivate.Add(float64(n))
}

func (m *Manager) SetActiveClusters(n int) {
	if m == nil {
		return
	}
	m.activeClusters.Set(float64(n))
}

// ObserveBatch records the elapsed time since start for the named operation.
func (m *Manager) ObserveBatch(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.batchDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// WriteTextfile writes the registry in text exposition format to path,
// atomically via a temporary file.
func (m *Manager) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
