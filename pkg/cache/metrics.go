package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks cache effectiveness. Prometheus collectors carry the
// exported view; the plain counters back the Stats snapshot used by the
// dispatch stats surface and by tests.
type Metrics struct {
	hits       *prometheus.CounterVec
	misses     prometheus.Counter
	hitLatency prometheus.Histogram
	costSaved  prometheus.Counter
	entries    prometheus.Gauge

	mu    sync.Mutex
	stats Stats
}

// Stats is a point-in-time snapshot.
type Stats struct {
	HitsL1    int64
	HitsL2    int64
	Misses    int64
	CostSaved float64
	Entries   int
}

// NewMetrics builds the collectors and registers them when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gavel",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by layer.",
		}, []string{"layer"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gavel",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses.",
		}),
		hitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gavel",
			Subsystem: "cache",
			Name:      "hit_latency_seconds",
			Help:      "Latency of successful cache lookups.",
			Buckets:   prometheus.DefBuckets,
		}),
		costSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gavel",
			Subsystem: "cache",
			Name:      "cost_saved_dollars_total",
			Help:      "Cumulative model cost avoided by cache hits.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gavel",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Live cache entries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.hitLatency, m.costSaved, m.entries)
	}
	return m
}

func (m *Metrics) observeHit(layer Layer, latency time.Duration, costSaved float64) {
	m.hits.WithLabelValues(string(layer)).Inc()
	m.hitLatency.Observe(latency.Seconds())
	m.costSaved.Add(costSaved)

	m.mu.Lock()
	defer m.mu.Unlock()
	switch layer {
	case LayerExact:
		m.stats.HitsL1++
	case LayerSemantic:
		m.stats.HitsL2++
	}
	m.stats.CostSaved += costSaved
}

func (m *Metrics) observeMiss() {
	m.misses.Inc()
	m.mu.Lock()
	m.stats.Misses++
	m.mu.Unlock()
}

func (m *Metrics) setEntries(n int) {
	m.entries.Set(float64(n))
	m.mu.Lock()
	m.stats.Entries = n
	m.mu.Unlock()
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// HitRate is total hits over total lookups, 0 when nothing was looked up.
func (s Stats) HitRate() float64 {
	total := s.HitsL1 + s.HitsL2 + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.HitsL1+s.HitsL2) / float64(total)
}
