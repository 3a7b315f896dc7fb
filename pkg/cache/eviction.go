// Capacity control. Every region is ranked on its own (least recently used first, then least frequently used) and
// the excess over the budget is spread across the regions that still hold entries, so one busy region can't push
// the others out through a global ranking.

package cache

import (
	"log/slog"
	"slices"
)

// currentLimitLocked returns the entry budget in effect. Caller must hold the lock.
func (c *Unified) currentLimitLocked() int {
	if c.pressureActive || c.backgrounded {
		return c.opts.BackgroundSize
	}
	return c.opts.MaxSize
}

func (c *Unified) totalEntriesLocked() int {
	total := 0
	for _, entries := range c.regions {
		total += len(entries)
	}
	return total
}

// removeLocked drops `keys` from `region` for the given reason. Caller must hold the exclusive lock.
func (c *Unified) removeLocked(region Region, keys []string, reason string) {
	if len(keys) == 0 {
		return
	}
	for _, key := range keys {
		delete(c.regions[region], key)
		switch reason {
		case reasonCapacity, reasonPressure:
			c.evicted.AddString(evictedKey(region, key))
			c.evictions++
		case reasonExpired:
			c.expirations++
		}
	}
	cacheEvictions.WithLabelValues(region.String(), reason).Add(float64(len(keys)))
	cacheEntries.WithLabelValues(region.String()).Set(float64(len(c.regions[region])))
}

// EnforceCapacity evicts entries until the total fits the current budget and returns how many were evicted.
func (c *Unified) EnforceCapacity() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.enforceLocked()
}

// enforceLocked evicts ceil(excess / k) entries from each of the k non-empty regions, so every region is
// attempted at least once and one busy region can't push the others out. This may evict up to k-1 entries more
// than the excess. Regions that run out of entries leave their unmet share to further rounds over the remaining
// regions, which only cover the shortfall, so the budget is always met.
func (c *Unified) enforceLocked() int {
	limit := c.currentLimitLocked()
	remaining := c.totalEntriesLocked() - limit
	if remaining <= 0 {
		return 0
	}

	evicted := 0
	for round := 0; remaining > 0; round++ {
		nonEmpty := slices.DeleteFunc(Regions(), func(region Region) bool { return len(c.regions[region]) == 0 })
		if len(nonEmpty) == 0 { // Can't happen while the total exceeds a non-negative limit.
			break
		}
		quota := (remaining + len(nonEmpty) - 1) / len(nonEmpty)
		roundEvicted := 0
		for _, region := range nonEmpty {
			ranked := rank(c.regions[region])
			count := min(quota, len(ranked))
			if round > 0 {
				count = min(count, remaining-roundEvicted)
			}
			keys := make([]string, 0, count)
			for _, victim := range ranked[:count] {
				keys = append(keys, victim.key)
			}
			c.removeLocked(region, keys, reasonCapacity)
			roundEvicted += len(keys)
			if round > 0 && roundEvicted == remaining {
				break
			}
		}
		remaining -= roundEvicted
		evicted += roundEvicted
	}
	slog.Debug("Evicted cache entries over capacity.", "evicted", evicted, "limit", limit)
	return evicted
}

// keepQuotas splits `limit` across regions of the given sizes by water-filling: small regions keep everything and
// their unused share goes to the bigger ones. The quotas sum up to min(limit, sum(sizes)).
func keepQuotas(sizes [regionCount]int, limit int) [regionCount]int {
	total := 0
	for _, size := range sizes {
		total += size
	}
	if total <= limit {
		return sizes
	}

	order := make([]int, regionCount)
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return sizes[a] - sizes[b] })
	var quotas [regionCount]int
	remaining := max(limit, 0)
	for i, regionIdx := range order {
		share := remaining / (len(order) - i)
		quotas[regionIdx] = min(sizes[regionIdx], share)
		remaining -= quotas[regionIdx]
	}
	return quotas
}

// Shrink truncates every region straight down to its share of the current budget, keeping the most recently and
// most frequently used entries. Running it again with no Set in between changes nothing.
func (c *Unified) Shrink() int {
	c.mux.Lock()
	defer c.mux.Unlock()

	limit := c.currentLimitLocked()
	var sizes [regionCount]int
	for _, region := range Regions() {
		sizes[region] = len(c.regions[region])
	}
	quotas := keepQuotas(sizes, limit)

	dropped := 0
	for _, region := range Regions() {
		if quotas[region] >= sizes[region] {
			continue
		}
		ranked := rank(c.regions[region])
		// Highest-ranked entries sit at the end; keep the top quota of them.
		victims := ranked[:len(ranked)-quotas[region]]
		keys := make([]string, 0, len(victims))
		for _, victim := range victims {
			keys = append(keys, victim.key)
		}
		c.removeLocked(region, keys, reasonPressure)
		dropped += len(keys)
	}
	if dropped > 0 {
		slog.Info("Shrunk cache to the reduced budget.", "dropped", dropped, "limit", limit)
	}
	return dropped
}

// Clear drops every entry of every region unconditionally. Used on critical memory warnings.
func (c *Unified) Clear() int {
	c.mux.Lock()
	defer c.mux.Unlock()

	dropped := 0
	for _, region := range Regions() {
		count := c.resetRegionLocked(region)
		cacheEvictions.WithLabelValues(region.String(), reasonMemoryWarning).Add(float64(count))
		c.evictions += uint64(count)
		dropped += count
	}
	c.evicted.ClearAll()
	slog.Warn("Cleared every cache region on memory warning.", "dropped", dropped)
	return dropped
}

// Sweep removes entries older than twice the validity duration, then enforces capacity. Reads already treat
// entries past the validity duration as misses; the sweep only reclaims their memory.
func (c *Unified) Sweep() (expired, evicted int) {
	now := c.opts.Now()
	grace := 2 * c.opts.Validity

	c.mux.Lock()
	defer c.mux.Unlock()

	for _, region := range Regions() {
		keys := make([]string, 0)
		for key, e := range c.regions[region] {
			if e.age(now) > grace {
				keys = append(keys, key)
			}
		}
		c.removeLocked(region, keys, reasonExpired)
		expired += len(keys)
	}
	evicted = c.enforceLocked()
	slog.Debug("Swept expired cache entries.", "expired", expired, "evicted", evicted)
	return expired, evicted
}
