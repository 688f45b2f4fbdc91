// Package limits provides centralized reliability budgets for the mesh
// messaging stack. This ensures consistent timeouts, retry caps, and
// retention thresholds across different components of the system.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxPayloadSize is the largest application payload the reliability
	// layer accepts for tracking or queueing.
	MaxPayloadSize = 4096

	// PrivateTimeout is the ack deadline for a private message.
	PrivateTimeout = 30 * time.Second

	// ChannelTimeout is the ack deadline for a channel message.
	ChannelTimeout = 60 * time.Second

	// FavoriteTimeout is the ack deadline when the destination is a
	// favorite contact, regardless of message class.
	FavoriteTimeout = 300 * time.Second

	// MaxRetries is the hard cap on retry attempts per tracked message.
	MaxRetries = 5

	// RetryBudgetNormal is the queued-message retry budget for ordinary
	// destinations.
	RetryBudgetNormal = 3

	// RetryBudgetFavorite is the queued-message retry budget for favorite
	// destinations.
	RetryBudgetFavorite = 5

	// BackoffBase is the delay before the first retry attempt.
	BackoffBase = 2 * time.Second

	// BackoffCap bounds the exponential retry delay.
	BackoffCap = 30 * time.Second

	// BackoffJitterMin and BackoffJitterMax bound the uniform jitter
	// multiplier applied to each retry delay.
	BackoffJitterMin = 0.8
	BackoffJitterMax = 1.2

	// RetryChannelForFavoritesOnly controls the channel-retry policy: a
	// channel message that has been transmitted once is assumed to have
	// reached all current listeners and is retried only when its
	// destination is a favorite. Private messages always retry.
	RetryChannelForFavoritesOnly = true

	// DefaultQueueCapacity is the offline queue's total entry bound across
	// all priority classes.
	DefaultQueueCapacity = 100

	// UrgentRetention is how long an urgent queued message is held before
	// expiring.
	UrgentRetention = time.Hour

	// DefaultRetention is how long high, normal, and low queued messages
	// are held before expiring.
	DefaultRetention = 30 * time.Minute

	// AckHistorySize bounds the acknowledgement dedup history.
	AckHistorySize = 1000
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided.
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidatePayload validates an application payload against MaxPayloadSize.
// Returns an error with context including the actual and maximum sizes.
func ValidatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}
	return nil
}

// TimeoutFor returns the ack deadline class for a tracked message.
func TimeoutFor(isChannel, isFavorite bool) time.Duration {
	if isFavorite {
		return FavoriteTimeout
	}
	if isChannel {
		return ChannelTimeout
	}
	return PrivateTimeout
}

// RetryBudgetFor returns the queued-message retry budget for a destination.
func RetryBudgetFor(isFavorite bool) int {
	if isFavorite {
		return RetryBudgetFavorite
	}
	return RetryBudgetNormal
}
