package api

import (
	"sort"
	"strings"
	"time"
)

// SortJobsNewestFirst orders jobs by CreatedAt descending, breaking ties by
// ID descending so the order stays stable across refreshes.
func SortJobsNewestFirst(list []Job) []Job {
	if len(list) == 0 {
		return nil
	}
	sorted := make([]Job, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool {
		ti := parseJobTime(sorted[i].CreatedAt)
		tj := parseJobTime(sorted[j].CreatedAt)
		if ti.Equal(tj) {
			return strings.Compare(sorted[i].ID, sorted[j].ID) > 0
		}
		return ti.After(tj)
	})
	return sorted
}

func parseJobTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	return time.Time{}
}

// ParseJobTime exposes timestamp parsing for consumers that need display
// formatting.
func ParseJobTime(value string) time.Time {
	return parseJobTime(value)
}
