package taxonomy

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the unconditional per-node/per-session metrics of spec
// §4.2/§4.6. The Prometheus registration mirrors the ManuGH-xg2g and
// snapetech-plexTuner convention of a package-level collector set built
// around prometheus/client_golang, gauges/counters/histograms registered
// once and updated from the hot path.
type Metrics struct {
	NodeDuration   *prometheus.HistogramVec
	NodeBytesIn    *prometheus.CounterVec
	NodeBytesOut   *prometheus.CounterVec
	NodeErrors     *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CachedNodes    prometheus.Gauge
	SessionsActive prometheus.Gauge
}

// NewMetrics creates and registers the collector set against reg. Passing a
// nil registry is valid — collectors are created but never exposed, useful
// for tests that don't want a global registry side effect.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "remotemedia",
			Subsystem: "node",
			Name:      "duration_seconds",
			Help:      "Per-node-invocation processing duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type"}),
		NodeBytesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotemedia",
			Subsystem: "node",
			Name:      "bytes_in_total",
			Help:      "Bytes consumed by node invocations.",
		}, []string{"node_type"}),
		NodeBytesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotemedia",
			Subsystem: "node",
			Name:      "bytes_out_total",
			Help:      "Bytes produced by node invocations.",
		}, []string{"node_type"}),
		NodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remotemedia",
			Subsystem: "node",
			Name:      "errors_total",
			Help:      "Node invocation errors by kind.",
		}, []string{"node_type", "kind"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remotemedia",
			Subsystem: "registry",
			Name:      "cache_hits_total",
			Help:      "Model-cache handle acquisitions served from an existing entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "remotemedia",
			Subsystem: "registry",
			Name:      "cache_misses_total",
			Help:      "Model-cache handle acquisitions that created a new entry.",
		}),
		CachedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remotemedia",
			Subsystem: "registry",
			Name:      "cached_nodes",
			Help:      "Current count of distinct cached node model entries.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remotemedia",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions not yet Terminated/Errored.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.NodeDuration, m.NodeBytesIn, m.NodeBytesOut, m.NodeErrors,
			m.CacheHits, m.CacheMisses, m.CachedNodes, m.SessionsActive)
	}
	return m
}

// NodeInvocation is the per-invocation timing record of spec §4.2 ("Metrics").
type NodeInvocation struct {
	NodeID     string
	NodeType   string
	StartedAt  time.Time
	FinishedAt time.Time
	DurationUs int64
	ErrorKind  Kind
	BytesIn    int64
	BytesOut   int64
}

// SessionMetrics aggregates per-session totals (spec §4.2, §6.4 metrics channel).
type SessionMetrics struct {
	mu             sync.Mutex
	TotalTimeUs    int64
	PerNode        []NodeInvocation
	CacheHits      int64
	CacheMisses    int64
	CachedNodes    int64
	AverageLatency int64
}

// NewSessionMetrics returns an empty aggregator.
func NewSessionMetrics() *SessionMetrics { return &SessionMetrics{} }

// Record appends one node invocation's timing and keeps running aggregates.
func (s *SessionMetrics) Record(inv NodeInvocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PerNode = append(s.PerNode, inv)
	s.TotalTimeUs += inv.DurationUs
	n := int64(len(s.PerNode))
	if n > 0 {
		s.AverageLatency = s.TotalTimeUs / n
	}
}

// Snapshot returns a copy of the current aggregate state, safe to hand to a
// caller across the invocation API boundary (spec §6.2 `{ outputs, metrics }`).
func (s *SessionMetrics) Snapshot() SessionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]NodeInvocation, len(s.PerNode))
	copy(cp, s.PerNode)
	return SessionMetrics{
		TotalTimeUs:    s.TotalTimeUs,
		PerNode:        cp,
		CacheHits:      s.CacheHits,
		CacheMisses:    s.CacheMisses,
		CachedNodes:    s.CachedNodes,
		AverageLatency: s.AverageLatency,
	}
}
