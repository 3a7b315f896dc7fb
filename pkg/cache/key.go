package cache

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	keySeparator = '_'
	// maxKeyPartLength bounds the readable parts of a key; longer parts, e.g. free-text searches, are hashed.
	maxKeyPartLength = 32
)

// Key builds a composite cache key for a query, e.g. Key(Filtered, categoryId, "overdue", searchText) yields
// "filtered_<categoryId>_overdue_<digest of searchText>". Parts that are long or contain the separator are replaced by
// their 16 hex digit xxhash digest, so distinct part lists don't collide on the separator.
func Key(region Region, parts ...string) string {
	var builder strings.Builder
	builder.WriteString(region.String())
	for _, part := range parts {
		builder.WriteByte(keySeparator)
		if len(part) <= maxKeyPartLength && strings.IndexByte(part, keySeparator) < 0 {
			builder.WriteString(part)
			continue
		}
		builder.WriteByte('#') // Marks a digest so it can't be mistaken for a literal part.
		digest := strconv.FormatUint(xxhash.Sum64String(part), 16)
		builder.WriteString(strings.Repeat("0", 16-len(digest)))
		builder.WriteString(digest)
	}
	return builder.String()
}
