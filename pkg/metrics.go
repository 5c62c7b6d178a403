package cache

// metrics.go is a thin abstraction over Prometheus so the engine can run
// with or without metrics.  When the user passes a *prometheus.Registry via
// WithMetrics we register the collectors below; otherwise a no-op sink is
// used and the hot path pays nothing.
//
// ┌───────────────────────────────────────────────┐
// │ Metric                          │ Type        │
// ├─────────────────────────────────┼─────────────┤
// │ pixelcache_hits_total           │ Counter     │
// │ pixelcache_misses_total         │ Counter     │
// │ pixelcache_stores_total         │ Counter     │
// │ pixelcache_evictions_total      │ Counter     │
// │ pixelcache_hydrations_total     │ Counter     │
// │ pixelcache_resident_bytes       │ Gauge       │
// │ pixelcache_disk_bytes           │ Gauge       │
// │ pixelcache_coordinator_role     │ Gauge       │
// │ pixelcache_connected_slaves     │ Gauge       │
// └───────────────────────────────────────────────┘

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal metrics surface.  Not exposed outside the
// package; the engine only knows these methods.
type metricsSink interface {
	incHit()
	incMiss()
	incStore()
	incEviction()
	incHydration()
	setResidentBytes(n uint64)
	setDiskBytes(n uint64)
	setCoordinatorRole(role int)
	setConnectedSlaves(n int)
}

/*
   ---------------- No-op implementation ----------------
*/

type noopMetrics struct{}

func (noopMetrics) incHit()                  {}
func (noopMetrics) incMiss()                 {}
func (noopMetrics) incStore()                {}
func (noopMetrics) incEviction()             {}
func (noopMetrics) incHydration()            {}
func (noopMetrics) setResidentBytes(uint64)  {}
func (noopMetrics) setDiskBytes(uint64)      {}
func (noopMetrics) setCoordinatorRole(int)   {}
func (noopMetrics) setConnectedSlaves(int)   {}

/*
   ---------------- Prometheus implementation ----------------
*/

type promMetrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	stores     prometheus.Counter
	evictions  prometheus.Counter
	hydrations prometheus.Counter
	resident   prometheus.Gauge
	disk       prometheus.Gauge
	role       prometheus.Gauge
	slaves     prometheus.Gauge
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	pm := &promMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcache",
			Name:      "hits_total",
			Help:      "Number of cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcache",
			Name:      "misses_total",
			Help:      "Number of cache misses.",
		}),
		stores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcache",
			Name:      "stores_total",
			Help:      "Number of entries inserted.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcache",
			Name:      "evictions_total",
			Help:      "Number of entries evicted by ARC.",
		}),
		hydrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pixelcache",
			Name:      "hydrations_total",
			Help:      "Number of payloads re-read from disk.",
		}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcache",
			Name:      "resident_bytes",
			Help:      "Live bytes held in memory.",
		}),
		disk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcache",
			Name:      "disk_bytes",
			Help:      "Live payload bytes on disk.",
		}),
		role: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcache",
			Name:      "coordinator_role",
			Help:      "Coordinator role (0 standalone, 1 master, 2 slave).",
		}),
		slaves: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pixelcache",
			Name:      "connected_slaves",
			Help:      "Slaves connected to this master.",
		}),
	}
	reg.MustRegister(pm.hits, pm.misses, pm.stores, pm.evictions,
		pm.hydrations, pm.resident, pm.disk, pm.role, pm.slaves)
	return pm
}

func (m *promMetrics) incHit()                 { m.hits.Inc() }
func (m *promMetrics) incMiss()                { m.misses.Inc() }
func (m *promMetrics) incStore()               { m.stores.Inc() }
func (m *promMetrics) incEviction()            { m.evictions.Inc() }
func (m *promMetrics) incHydration()           { m.hydrations.Inc() }
func (m *promMetrics) setResidentBytes(n uint64) { m.resident.Set(float64(n)) }
func (m *promMetrics) setDiskBytes(n uint64)     { m.disk.Set(float64(n)) }
func (m *promMetrics) setCoordinatorRole(r int)  { m.role.Set(float64(r)) }
func (m *promMetrics) setConnectedSlaves(n int)  { m.slaves.Set(float64(n)) }

// newMetricsSink decides which implementation to use.
func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
