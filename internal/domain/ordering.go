package domain

import "sort"

// SortByTimestamp returns a copy of entries stable-sorted by timestamp.
// Entries with equal timestamps keep their write order.
func SortByTimestamp(entries []MetricEntry) []MetricEntry {
	sorted := append([]MetricEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].timestamp.Before(sorted[j].timestamp)
	})
	return sorted
}
