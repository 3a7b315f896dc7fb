// Simplr keeps derived task collections in a single cache split into regions. Regions share one entry budget but
// never share keys: the same key can live independently in every region.

package cache

import "fmt"

// Region names one cache namespace.
type Region int

const (
	Filtered Region = iota // Filtered / searched task lists.
	Computed               // Computed results, e.g. counts and summaries.
	Grouped                // Grouped task lists, e.g. by category or due date.

	regionCount = iota
)

// Regions returns every region in a stable order.
func Regions() []Region {
	return []Region{Filtered, Computed, Grouped}
}

func (r Region) String() string {
	switch r {
	case Filtered:
		return "filtered"
	case Computed:
		return "computed"
	case Grouped:
		return "grouped"
	default:
		return fmt.Sprintf("region(%d)", int(r))
	}
}

func (r Region) valid() bool {
	return r >= 0 && r < regionCount
}
