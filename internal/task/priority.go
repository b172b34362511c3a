package task

import "fmt"

// Priority is the scheduling class of a queue and of the envelopes flowing
// through it. It determines which queue's work is admitted first when
// process-wide capacity is contended, not strict ordering across queues.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// PriorityOrder lists classes from most to least preferred.
var PriorityOrder = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// ParsePriority converts a configuration string into a Priority.
func ParsePriority(value string) (Priority, error) {
	switch Priority(value) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(value), nil
	default:
		return "", fmt.Errorf("unknown priority class %q", value)
	}
}

// Valid reports whether p is one of the three declared classes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank orders classes for admission: lower ranks are served first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

func (p Priority) String() string {
	return string(p)
}
