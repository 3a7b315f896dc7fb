package cache

import (
	"flag"
	"time"

	"github.com/nobletooth/simplr/pkg/utils"
)

var (
	maxCacheSize = flag.Int("max_cache_size", 200,
		"Maximum number of entries kept across every cache region in normal conditions.")
	backgroundCacheSize = flag.Int("background_cache_size", 50,
		"Maximum number of entries kept across every cache region under memory pressure or in background.")
	cacheValidityDuration = flag.Duration("cache_validity_duration", time.Minute,
		"Cached collections older than this are treated as misses.")
	cleanupInterval = flag.Duration("cleanup_interval", 2*time.Minute,
		"How often entries older than twice the validity duration are swept.")
)

// Options configure a Unified cache.
type Options struct {
	MaxSize         int              // Entry budget across all regions.
	BackgroundSize  int              // Reduced entry budget under pressure or in background; at most MaxSize.
	Validity        time.Duration    // Read-time freshness window.
	CleanupInterval time.Duration    // Expiry sweep cadence.
	Now             func() time.Time // Clock; defaults to time.Now.
}

// DefaultOptions returns the flag defaults.
func DefaultOptions() Options {
	return Options{
		MaxSize:         200,
		BackgroundSize:  50,
		Validity:        time.Minute,
		CleanupInterval: 2 * time.Minute,
		Now:             time.Now,
	}
}

// OptionsFromFlags builds Options from the command line flags.
func OptionsFromFlags() Options {
	return Options{
		MaxSize:         *maxCacheSize,
		BackgroundSize:  *backgroundCacheSize,
		Validity:        *cacheValidityDuration,
		CleanupInterval: *cleanupInterval,
		Now:             time.Now,
	}
}

// normalized returns a copy of the options with invalid values replaced.
func (o Options) normalized() Options {
	defaults := DefaultOptions()
	if o.MaxSize <= 0 {
		utils.RaiseInvariant("cache", "non_positive_cache_size",
			"Invalid max size has been given to the cache.", "maxSize", o.MaxSize)
		o.MaxSize = defaults.MaxSize
	}
	if o.BackgroundSize <= 0 || o.BackgroundSize > o.MaxSize {
		utils.RaiseInvariant("cache", "invalid_background_cache_size",
			"Background size must be positive and at most the max size.",
			"backgroundSize", o.BackgroundSize, "maxSize", o.MaxSize)
		o.BackgroundSize = min(max(o.BackgroundSize, 1), o.MaxSize)
	}
	if o.Validity <= 0 {
		o.Validity = defaults.Validity
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = defaults.CleanupInterval
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
