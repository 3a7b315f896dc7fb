package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons an entry leaves the cache other than explicit invalidation.
const (
	reasonCapacity      = "capacity"       // Capacity enforcement after inserts or sweeps.
	reasonPressure      = "pressure"       // Pressure / background shrink.
	reasonExpired       = "expired"        // Expiry sweep.
	reasonMemoryWarning = "memory_warning" // Critical memory warning clear.
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplr_cache_lookups_total",
		Help: "Total number of cache lookups.",
	}, []string{"region", "status" /* hit | miss */})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simplr_cache_evictions_total",
		Help: "Total number of entries removed from the cache by maintenance.",
	}, []string{"region", "reason"})
	cacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simplr_cache_entries",
		Help: "Number of entries currently held per cache region.",
	}, []string{"region"})
)

// Metrics is a read-only snapshot of a Unified cache.
type Metrics struct {
	HitRate         float64 // Hits / (Hits + Misses); 0 before any lookup.
	Hits            uint64
	Misses          uint64
	TotalEntries    int
	RegionEntries   map[Region]int
	EvictionCount   uint64 // Entries removed by capacity enforcement, pressure shrink or memory warning clears.
	ExpiredCount    uint64 // Entries removed by the expiry sweep.
	EvictedRemisses uint64 // Misses on keys that were probably evicted before; a sign of a tight budget.
	PressureActive  bool
	Backgrounded    bool
	CurrentLimit    int
}

// hitRate returns hits / (hits + misses), defined as 0 when nothing was looked up yet.
func hitRate(hits, misses uint64) float64 {
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
