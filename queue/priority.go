package queue

import "fmt"

// Priority governs queue ordering, eviction preference, and retention.
type Priority uint8

const (
	// PriorityUrgent messages drain first and are retained the longest.
	PriorityUrgent Priority = iota
	// PriorityHigh messages drain before normal traffic.
	PriorityHigh
	// PriorityNormal is the default priority class.
	PriorityNormal
	// PriorityLow messages are the first candidates for eviction.
	PriorityLow
)

// drainOrder lists the classes in the order they drain: higher priority
// always drains first.
var drainOrder = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// evictOrder lists the classes eligible for eviction, preferred first.
// Urgent and high entries are never evicted to make room for new admissions.
var evictOrder = []Priority{PriorityLow, PriorityNormal}

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParsePriority converts a string into a Priority, defaulting to normal for
// unrecognized input.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}
