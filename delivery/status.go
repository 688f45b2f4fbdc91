package delivery

import "fmt"

// Status represents the delivery state of a tracked message.
type Status uint8

const (
	// StatusPending means the message is registered but not yet on the air.
	StatusPending Status = iota
	// StatusSent means the message has been transmitted but not confirmed.
	StatusSent
	// StatusDelivered means all expected recipients have acknowledged.
	StatusDelivered
	// StatusFailed means the retry budget or timeout was exhausted.
	StatusFailed
	// StatusPartiallyDelivered means at least half of the expected
	// recipients of a channel message have acknowledged.
	StatusPartiallyDelivered
	// StatusRetrying means a retransmission has been triggered.
	StatusRetrying
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusPartiallyDelivered:
		return "partially_delivered"
	case StatusRetrying:
		return "retrying"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether the status removes the entry from tracking.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}
