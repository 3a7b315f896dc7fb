package cache

import (
	"cmp"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// entry holds one cached collection. `value` and `createdAt` never change after creation; the access bookkeeping
// is atomic because it's updated by readers holding only the shared lock.
type entry struct {
	value          any
	createdAt      time.Time
	lastAccessedAt atomic.Int64 // Unix nanos; never below createdAt.
	accessCount    atomic.Uint64
}

func newEntry(value any, now time.Time) *entry {
	e := &entry{value: value, createdAt: now}
	e.lastAccessedAt.Store(now.UnixNano())
	return e
}

// age returns how long ago the entry was created.
func (e *entry) age(now time.Time) time.Duration {
	return now.Sub(e.createdAt)
}

// touch records a read at `now`. The last access time only moves forward.
func (e *entry) touch(now time.Time) {
	accessedAt := now.UnixNano()
	for {
		prev := e.lastAccessedAt.Load()
		if accessedAt <= prev || e.lastAccessedAt.CompareAndSwap(prev, accessedAt) {
			break
		}
	}
	e.accessCount.Add(1)
}

// rankedEntry is a point-in-time view of an entry used to order evictions.
type rankedEntry struct {
	key            string
	lastAccessedAt int64
	accessCount    uint64
	createdAt      time.Time
}

// rank orders the entries of a region from the first to evict to the last: least recently used first, ties broken
// by least frequently used, then by age and key so the order is deterministic.
func rank(entries map[string]*entry) []rankedEntry {
	ranked := make([]rankedEntry, 0, len(entries))
	for key, e := range entries {
		ranked = append(ranked, rankedEntry{
			key:            key,
			lastAccessedAt: e.lastAccessedAt.Load(),
			accessCount:    e.accessCount.Load(),
			createdAt:      e.createdAt,
		})
	}
	slices.SortFunc(ranked, func(a, b rankedEntry) int {
		return cmp.Or(
			cmp.Compare(a.lastAccessedAt, b.lastAccessedAt),
			cmp.Compare(a.accessCount, b.accessCount),
			a.createdAt.Compare(b.createdAt),
			strings.Compare(a.key, b.key),
		)
	})
	return ranked
}
