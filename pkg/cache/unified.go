// Unified caches derived task collections (filtered, computed and grouped results) for the UI layer.
//
// Reads take the shared lock and never wait for each other; writes, invalidations and maintenance take the
// exclusive lock. Entries expire at read time once they are older than the validity duration, and a periodic sweep
// drops entries older than twice that. After every insert the cache makes sure the total entry count stays within
// the current budget: the normal budget, or the reduced one while under memory pressure or in background.
//
// The cache is advisory: there are no errors, a miss only means the caller has to recompute and Set the value.

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/nobletooth/simplr/pkg/utils"
	"golang.org/x/sync/singleflight"
)

var (
	ErrAlreadyStarted = errors.New("cache maintenance already started")
	ErrClosed         = errors.New("cache is closed")
)

// evictedFalsePositiveRate is the target false positive rate of the evicted-key filter.
const evictedFalsePositiveRate = 0.01

// Unified is the process-wide cache of derived collections. Construct it once in the composition root.
type Unified struct {
	opts Options

	mux            sync.RWMutex
	regions        [regionCount]map[ /*key*/ string]*entry
	pressureActive bool
	backgrounded   bool
	evicted        *bloom.BloomFilter // Keys removed by capacity enforcement or shrink; reset on invalidation.
	evictions      uint64             // Protected by the exclusive lock.
	expirations    uint64             // Protected by the exclusive lock.

	// Lookup counters are bumped under the shared lock, hence atomics.
	hits     atomic.Uint64
	misses   atomic.Uint64
	remisses atomic.Uint64

	flights singleflight.Group
	enforce chan struct{} // Coalesced capacity enforcement requests from Set.

	lifecycleMux sync.Mutex
	closed       bool
	cancel       context.CancelFunc
	done         chan struct{} // Closed when the maintenance goroutine exits; nil if never started.
}

// New creates an empty cache. Call Start to run the background maintenance.
func New(opts Options) *Unified {
	opts = opts.normalized()
	c := &Unified{
		opts:    opts,
		evicted: bloom.NewWithEstimates(uint(max(4*opts.MaxSize, 1024)), evictedFalsePositiveRate),
		enforce: make(chan struct{}, 1),
	}
	for i := range c.regions {
		c.regions[i] = make(map[string]*entry)
	}
	return c
}

// checkRegion raises an invariant for regions outside the known set.
func checkRegion(region Region) bool {
	if !region.valid() {
		utils.RaiseInvariant("cache", "unknown_region", "Got an unknown cache region.", "region", int(region))
		return false
	}
	return true
}

// evictedKey is the key's identity inside the evicted-key filter.
func evictedKey(region Region, key string) string {
	return region.String() + "/" + key
}

// Get returns the value cached for `key` in `region` if it's present and younger than the validity duration.
func (c *Unified) Get(region Region, key string) (any, bool /*found*/) {
	if !checkRegion(region) {
		return nil, false
	}
	now := c.opts.Now()

	c.mux.RLock()
	defer c.mux.RUnlock()

	e, found := c.regions[region][key]
	if !found || e.age(now) >= c.opts.Validity {
		c.misses.Add(1)
		cacheLookups.WithLabelValues(region.String(), "miss").Inc()
		if !found && c.evicted.TestString(evictedKey(region, key)) {
			c.remisses.Add(1)
		}
		return nil, false
	}
	e.touch(now)
	c.hits.Add(1)
	cacheLookups.WithLabelValues(region.String(), "hit").Inc()
	return e.value, true
}

// Set caches `value` for `key` in `region`, replacing any previous entry and its access history. The caller must
// not mutate `value` afterwards. Capacity enforcement is requested asynchronously; Set never waits for it.
func (c *Unified) Set(region Region, key string, value any) {
	if !checkRegion(region) {
		return
	}
	e := newEntry(value, c.opts.Now())

	c.mux.Lock()
	c.regions[region][key] = e
	cacheEntries.WithLabelValues(region.String()).Set(float64(len(c.regions[region])))
	c.mux.Unlock()

	select { // Coalesce with a pending request, if any.
	case c.enforce <- struct{}{}:
	default:
	}
}

// GetOrCompute returns the cached value or computes, stores and returns it. Concurrent misses on the same key share
// one `compute` call.
func (c *Unified) GetOrCompute(region Region, key string, compute func() any) any {
	if value, found := c.Get(region, key); found {
		return value
	}
	value, _, _ := c.flights.Do(evictedKey(region, key), func() (any, error) {
		value := compute()
		c.Set(region, key, value)
		return value, nil
	})
	return value
}

// InvalidateAll empties every region, e.g. after the underlying tasks were reloaded.
func (c *Unified) InvalidateAll() {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, region := range Regions() {
		c.resetRegionLocked(region)
	}
	c.evicted.ClearAll()
}

// InvalidateRegion empties `region` only.
func (c *Unified) InvalidateRegion(region Region) {
	if !checkRegion(region) {
		return
	}
	c.mux.Lock()
	defer c.mux.Unlock()
	c.resetRegionLocked(region)
}

// resetRegionLocked drops every entry of `region` and returns how many there were. Caller must hold the exclusive
// lock.
func (c *Unified) resetRegionLocked(region Region) int {
	dropped := len(c.regions[region])
	c.regions[region] = make(map[string]*entry)
	cacheEntries.WithLabelValues(region.String()).Set(0)
	return dropped
}

// SetPressure switches the reduced budget on or off for sustained memory pressure.
func (c *Unified) SetPressure(active bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.pressureActive = active
}

// SetBackgrounded switches the reduced budget on or off for the host being in background.
func (c *Unified) SetBackgrounded(backgrounded bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.backgrounded = backgrounded
}

// Metrics returns a snapshot of the cache counters and sizes.
func (c *Unified) Metrics() Metrics {
	c.mux.RLock()
	defer c.mux.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	metrics := Metrics{
		HitRate:         hitRate(hits, misses),
		Hits:            hits,
		Misses:          misses,
		RegionEntries:   make(map[Region]int, regionCount),
		EvictionCount:   c.evictions,
		ExpiredCount:    c.expirations,
		EvictedRemisses: c.remisses.Load(),
		PressureActive:  c.pressureActive,
		Backgrounded:    c.backgrounded,
		CurrentLimit:    c.currentLimitLocked(),
	}
	for _, region := range Regions() {
		metrics.RegionEntries[region] = len(c.regions[region])
		metrics.TotalEntries += len(c.regions[region])
	}
	return metrics
}

// Start launches the maintenance goroutine: capacity enforcement after Sets and the periodic expiry sweep. It stops
// when `ctx` is done or Close is called.
func (c *Unified) Start(ctx context.Context) error {
	c.lifecycleMux.Lock()
	defer c.lifecycleMux.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.done != nil {
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.maintain(ctx, c.done)
	return nil
}

// Close stops the maintenance goroutine and waits for it to exit. The cache stays usable for Get / Set.
func (c *Unified) Close() {
	c.lifecycleMux.Lock()
	defer c.lifecycleMux.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// maintain runs capacity enforcement and expiry sweeps until `ctx` is done.
func (c *Unified) maintain(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.enforce:
			c.EnforceCapacity()
		case <-ticker.C:
			c.Sweep()
		}
	}
}
