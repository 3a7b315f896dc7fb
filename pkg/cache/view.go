package cache

import (
	"fmt"

	"github.com/nobletooth/simplr/pkg/utils"
)

// View is a typed accessor for a single region, e.g. Typed[[]Task](c, Filtered).
type View[V any] struct {
	cache  *Unified
	region Region
}

// Typed returns a View of `region` holding values of type V.
func Typed[V any](c *Unified, region Region) View[V] {
	return View[V]{cache: c, region: region}
}

// Region returns the region this view reads and writes.
func (v View[V]) Region() Region {
	return v.region
}

// cast converts a cached value to V. A value of another type means two callers share a region with different
// types, which is a bug; it's treated as a miss.
func (v View[V]) cast(key string, value any) (V, bool) {
	typed, ok := value.(V)
	if !ok {
		utils.RaiseInvariant("cache", "unexpected_value_type", "Cached value has an unexpected type.",
			"region", v.region.String(), "key", key, "type", fmt.Sprintf("%T", value))
		return *new(V), false
	}
	return typed, true
}

// Get returns the fresh value cached for `key`, if any.
func (v View[V]) Get(key string) (V, bool /*found*/) {
	value, found := v.cache.Get(v.region, key)
	if !found {
		return *new(V), false
	}
	return v.cast(key, value)
}

// Set caches `value` for `key`.
func (v View[V]) Set(key string, value V) {
	v.cache.Set(v.region, key, value)
}

// GetOrCompute returns the cached value for `key` or computes and caches it.
func (v View[V]) GetOrCompute(key string, compute func() V) V {
	value := v.cache.GetOrCompute(v.region, key, func() any { return compute() })
	if typed, ok := v.cast(key, value); ok {
		return typed
	}
	return compute()
}

// Invalidate empties the region behind this view.
func (v View[V]) Invalidate() {
	v.cache.InvalidateRegion(v.region)
}
