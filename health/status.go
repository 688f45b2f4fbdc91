package health

import "fmt"

// Status represents overall mesh link quality.
type Status uint8

const (
	// StatusExcellent indicates optimal connectivity and delivery.
	StatusExcellent Status = iota
	// StatusGood indicates healthy connectivity with minor issues.
	StatusGood
	// StatusFair indicates degraded but usable connectivity.
	StatusFair
	// StatusPoor indicates significant connectivity problems.
	StatusPoor
	// StatusDisconnected indicates no usable link: the radio is off or no
	// peers are connected, regardless of historical samples.
	StatusDisconnected
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusExcellent:
		return "excellent"
	case StatusGood:
		return "good"
	case StatusFair:
		return "fair"
	case StatusPoor:
		return "poor"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Trend describes the recent direction of peer connectivity.
type Trend uint8

const (
	// TrendStable means connectivity is holding steady.
	TrendStable Trend = iota
	// TrendImproving means peer count is rising.
	TrendImproving
	// TrendDeclining means peer count is falling.
	TrendDeclining
)

// String returns the string representation of Trend.
func (t Trend) String() string {
	switch t {
	case TrendImproving:
		return "improving"
	case TrendDeclining:
		return "declining"
	default:
		return "stable"
	}
}
