// Package delivery implements per-message delivery tracking for the mesh
// reliability layer.
//
// Every outbound message that requires confirmation is registered with a
// Tracker, which arms a timeout matching the message class, consumes
// acknowledgements idempotently, retransmits with jittered exponential
// backoff while the retry budget lasts, and finalizes each entry as either
// delivered or failed. A single periodic sweep evaluates per-entry deadlines
// instead of arming one timer per message.
package delivery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/transport"
)

var (
	// ErrNotTracked indicates the message is not (or no longer) tracked.
	ErrNotTracked = errors.New("message not tracked")
	// ErrRetryIneligible indicates the entry has no retry eligibility left.
	ErrRetryIneligible = errors.New("message not eligible for retry")
)

// StatusCallback is invoked whenever a tracked message changes state.
type StatusCallback func(messageID string, status Status)

// OutcomeCallback is invoked once per finalized message with the terminal
// outcome: true for delivered, false for failed.
type OutcomeCallback func(delivered bool)

// Config holds tracker tuning parameters.
type Config struct {
	// MaxRetries caps retransmission attempts per message.
	MaxRetries int
	// SweepInterval is how often the deadline sweep runs.
	SweepInterval time.Duration
	// SentDelay is how long after registration the "sent" status is
	// published.
	SentDelay time.Duration
	// AckHistorySize bounds the inbound and outbound ack dedup histories.
	AckHistorySize int
	// RetryChannelForFavoritesOnly preserves the policy that a channel
	// message already transmitted once is only retried when its
	// destination is a favorite.
	RetryChannelForFavoritesOnly bool
}

// DefaultConfig returns the standard tracker configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:                   limits.MaxRetries,
		SweepInterval:                250 * time.Millisecond,
		SentDelay:                    100 * time.Millisecond,
		AckHistorySize:               limits.AckHistorySize,
		RetryChannelForFavoritesOnly: limits.RetryChannelForFavoritesOnly,
	}
}

// pendingDelivery is one outbound message awaiting confirmation.
type pendingDelivery struct {
	msg                *transport.Message
	destinationID      transport.PeerID
	destinationName    string
	isFavorite         bool
	expectedRecipients int
	sentAt             time.Time
	retryCount         int
	nextRetry          time.Time
	status             Status
	ackedBy            map[transport.PeerID]bool
}

// Snapshot is a read-only copy of one tracked delivery.
type Snapshot struct {
	MessageID          string
	DestinationID      transport.PeerID
	DestinationName    string
	IsFavorite         bool
	IsChannel          bool
	ExpectedRecipients int
	AckCount           int
	RetryCount         int
	SentAt             time.Time
	NextRetry          time.Time
	Status             Status
}

// Tracker owns the lifecycle of every outbound message requiring
// confirmation.
type Tracker struct {
	mu      sync.RWMutex
	cfg     Config
	net     transport.Transport
	clk     clock.Clock
	metrics *trackerMetrics

	pending     map[string]*pendingDelivery
	seenAcks    *lru.Cache[string, struct{}]
	sentAcks    *lru.Cache[string, struct{}]
	failedTotal uint64

	statusCallbacks  []StatusCallback
	outcomeCallbacks []OutcomeCallback
	retryCallbacks   []func()

	running  bool
	stopChan chan struct{}
}

// New creates a delivery tracker around a non-owning transport handle.
// A nil clock selects the real clock; a nil registerer disables metrics
// registration.
func New(cfg Config, net transport.Transport, clk clock.Clock, reg prometheus.Registerer) (*Tracker, error) {
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SentDelay <= 0 {
		cfg.SentDelay = def.SentDelay
	}
	if cfg.AckHistorySize <= 0 {
		cfg.AckHistorySize = def.AckHistorySize
	}

	seen, err := lru.New[string, struct{}](cfg.AckHistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ack history: %w", err)
	}
	sent, err := lru.New[string, struct{}](cfg.AckHistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create sent-ack history: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "New",
		"max_retries":    cfg.MaxRetries,
		"sweep_interval": cfg.SweepInterval,
	}).Info("Creating delivery tracker")

	return &Tracker{
		cfg:      cfg,
		net:      net,
		clk:      clk,
		metrics:  newTrackerMetrics(reg),
		pending:  make(map[string]*pendingDelivery),
		seenAcks: seen,
		sentAcks: sent,
	}, nil
}

// Start begins the deadline sweep loop. Calling Start on a running tracker
// is a no-op.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}
	t.running = true
	t.stopChan = make(chan struct{})
	go t.sweepLoop(t.stopChan)
}

// Stop halts the sweep loop. Tracked entries are retained but no further
// retries or finalizations occur until Start is called again.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return
	}
	t.running = false
	close(t.stopChan)
}

// OnStatusChange registers a callback for per-message status transitions.
// Callbacks are invoked outside the tracker's lock.
func (t *Tracker) OnStatusChange(cb StatusCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusCallbacks = append(t.statusCallbacks, cb)
}

// OnOutcome registers a callback for terminal delivery outcomes.
func (t *Tracker) OnOutcome(cb OutcomeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomeCallbacks = append(t.outcomeCallbacks, cb)
}

// OnRetry registers a callback invoked once per retransmission attempt.
func (t *Tracker) OnRetry(cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCallbacks = append(t.retryCallbacks, cb)
}

// Track registers a pending delivery for a private or channel-addressed
// message. Channel messages without recipient tracking (expectedRecipients
// <= 0) are refused with ErrNotTracked: a plain broadcast is assumed to
// reach all current listeners and is never confirmed.
//
// The "sent" status is published asynchronously shortly after registration.
func (t *Tracker) Track(msg *transport.Message, destID transport.PeerID, destName string, isFavorite bool, expectedRecipients int) error {
	if msg == nil {
		return ErrNotTracked
	}
	if msg.IsChannel() && expectedRecipients <= 0 {
		return ErrNotTracked
	}
	if expectedRecipients <= 0 {
		expectedRecipients = 1
	}

	now := t.clk.Now()
	entry := &pendingDelivery{
		msg:                msg,
		destinationID:      destID,
		destinationName:    destName,
		isFavorite:         isFavorite,
		expectedRecipients: expectedRecipients,
		sentAt:             now,
		nextRetry:          now.Add(backoffDelay(0)),
		status:             StatusPending,
		ackedBy:            make(map[transport.PeerID]bool),
	}

	t.mu.Lock()
	t.pending[msg.ID] = entry
	t.metrics.pending.Set(float64(len(t.pending)))
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":            "Track",
		"message_id":          msg.ID,
		"destination":         destID,
		"is_favorite":         isFavorite,
		"expected_recipients": expectedRecipients,
	}).Debug("Tracking message for delivery confirmation")

	t.publishStatus(msg.ID, StatusPending)
	t.clk.AfterFunc(t.cfg.SentDelay, func() { t.markSent(msg.ID) })
	return nil
}

// markSent publishes the sent status unless the entry already progressed or
// was finalized. A stale timer callback can never revive a completed entry.
func (t *Tracker) markSent(id string) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if !ok || e.status != StatusPending {
		t.mu.Unlock()
		return
	}
	e.status = StatusSent
	t.mu.Unlock()
	t.publishStatus(id, StatusSent)
}

// ProcessAck consumes one inbound acknowledgement. Processing is idempotent:
// the composite identity messageID+senderID is deduplicated against a
// bounded history, so repeated network delivery of the same ack never
// double-counts. Acks for unknown or already-finalized messages are ignored.
func (t *Tracker) ProcessAck(ack *transport.Ack) {
	if ack == nil {
		return
	}
	key := ack.DedupKey()

	t.mu.Lock()
	if _, dup := t.seenAcks.Get(key); dup {
		t.mu.Unlock()
		t.metrics.duplicateAcks.Inc()
		logrus.WithFields(logrus.Fields{
			"function":   "ProcessAck",
			"message_id": ack.MessageID,
			"sender":     ack.SenderID,
		}).Debug("Ignoring duplicate acknowledgement")
		return
	}
	t.seenAcks.Add(key, struct{}{})

	e, ok := t.pending[ack.MessageID]
	if !ok {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "ProcessAck",
			"message_id": ack.MessageID,
		}).Debug("Acknowledgement for unknown message")
		return
	}

	e.ackedBy[ack.SenderID] = true

	var newStatus Status
	publish := false
	if !e.msg.IsChannel() || len(e.ackedBy) >= e.expectedRecipients {
		delete(t.pending, ack.MessageID)
		t.metrics.pending.Set(float64(len(t.pending)))
		newStatus = StatusDelivered
		publish = true
	} else if ratio := float64(len(e.ackedBy)) / float64(e.expectedRecipients); ratio >= 0.5 && e.status != StatusPartiallyDelivered {
		e.status = StatusPartiallyDelivered
		newStatus = StatusPartiallyDelivered
		publish = true
	}
	t.mu.Unlock()

	if !publish {
		return
	}
	t.publishStatus(ack.MessageID, newStatus)
	if newStatus == StatusDelivered {
		t.metrics.delivered.Inc()
		t.publishOutcome(true)
	}
}

// GenerateAck produces an outbound acknowledgement for a message this node
// received. The same composite identity dedup applies, so a node never emits
// two acks for one message to one recipient; the second call returns false.
func (t *Tracker) GenerateAck(msg *transport.Message, self transport.PeerID, nickname string) (*transport.Ack, bool) {
	if msg == nil {
		return nil, false
	}
	key := msg.ID + "|" + string(self)

	t.mu.Lock()
	if _, dup := t.sentAcks.Get(key); dup {
		t.mu.Unlock()
		return nil, false
	}
	t.sentAcks.Add(key, struct{}{})
	t.mu.Unlock()

	return transport.NewAck(msg.ID, self, nickname), true
}

// Retry retransmits a tracked message if it is still eligible. The resend is
// fire-and-forget: its outcome is only ever observed via a fresh ack or a
// fresh deadline, never via a blocking call.
func (t *Tracker) Retry(id string) error {
	now := t.clk.Now()

	t.mu.Lock()
	e, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotTracked
	}
	if !t.retryEligible(e, now) {
		t.mu.Unlock()
		return ErrRetryIneligible
	}
	e.retryCount++
	e.status = StatusRetrying
	e.nextRetry = now.Add(backoffDelay(e.retryCount))
	msg := e.msg
	dest := e.destinationID
	attempt := e.retryCount
	t.mu.Unlock()

	t.metrics.retries.Inc()
	logrus.WithFields(logrus.Fields{
		"function":   "Retry",
		"message_id": id,
		"attempt":    attempt,
	}).Debug("Retrying message delivery")

	t.publishStatus(id, StatusRetrying)
	t.publishRetry()

	var err error
	if msg.IsChannel() {
		err = t.net.SendBroadcast(msg, msg.Channel)
	} else {
		err = t.net.Send(msg, dest)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Retry",
			"message_id": id,
			"error":      err.Error(),
		}).Warn("Retry transmission failed")
	}
	return nil
}

// PendingCount returns the number of tracked entries.
func (t *Tracker) PendingCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.pending)
}

// FailedCount returns the cumulative number of messages finalized as failed.
func (t *Tracker) FailedCount() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failedTotal
}

// Get returns a read-only snapshot of one tracked entry.
func (t *Tracker) Get(id string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.pending[id]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		MessageID:          e.msg.ID,
		DestinationID:      e.destinationID,
		DestinationName:    e.destinationName,
		IsFavorite:         e.isFavorite,
		IsChannel:          e.msg.IsChannel(),
		ExpectedRecipients: e.expectedRecipients,
		AckCount:           len(e.ackedBy),
		RetryCount:         e.retryCount,
		SentAt:             e.sentAt,
		NextRetry:          e.nextRetry,
		Status:             e.status,
	}, true
}

// canEverRetry reports whether the retry policy permits retransmitting this
// entry at all: private messages always may, channel messages only when the
// destination is a favorite (unless the policy is relaxed).
func (t *Tracker) canEverRetry(e *pendingDelivery) bool {
	if !e.msg.IsChannel() {
		return true
	}
	if e.isFavorite {
		return true
	}
	return !t.cfg.RetryChannelForFavoritesOnly
}

// retryEligible reports whether the entry may be retransmitted right now:
// retry budget remaining, within its timeout class, and permitted by policy.
func (t *Tracker) retryEligible(e *pendingDelivery, now time.Time) bool {
	if !t.canEverRetry(e) {
		return false
	}
	if e.retryCount >= t.cfg.MaxRetries {
		return false
	}
	return now.Sub(e.sentAt) <= limits.TimeoutFor(e.msg.IsChannel(), e.isFavorite)
}

// sweepLoop runs the periodic deadline sweep until stopped.
func (t *Tracker) sweepLoop(stop chan struct{}) {
	ticker := t.clk.Ticker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep scans all entries once: entries past their retry deadline are
// retransmitted, entries past their timeout class (or past their final
// deadline with the budget exhausted) are finalized as failed. Channel
// entries that reached partial delivery are removed without a failed status;
// their last visible state remains partially delivered.
func (t *Tracker) sweep() {
	now := t.clk.Now()

	t.mu.Lock()
	var due, failed, expired []string
	for id, e := range t.pending {
		age := now.Sub(e.sentAt)
		timeout := limits.TimeoutFor(e.msg.IsChannel(), e.isFavorite)

		if t.retryEligible(e, now) {
			if !now.Before(e.nextRetry) {
				due = append(due, id)
			}
			continue
		}

		budgetSpent := t.canEverRetry(e) && e.retryCount >= t.cfg.MaxRetries && !now.Before(e.nextRetry)
		if age <= timeout && !budgetSpent {
			continue
		}
		if e.status == StatusPartiallyDelivered {
			expired = append(expired, id)
		} else {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		delete(t.pending, id)
	}
	for _, id := range expired {
		delete(t.pending, id)
	}
	t.failedTotal += uint64(len(failed))
	t.metrics.pending.Set(float64(len(t.pending)))
	t.mu.Unlock()

	for _, id := range failed {
		t.metrics.failed.Inc()
		logrus.WithFields(logrus.Fields{
			"function":   "sweep",
			"message_id": id,
		}).Warn("Message delivery failed, retries exhausted")
		t.publishStatus(id, StatusFailed)
		t.publishOutcome(false)
	}
	for _, id := range due {
		_ = t.Retry(id)
	}
}

// publishStatus notifies status observers outside the tracker's lock.
func (t *Tracker) publishStatus(id string, status Status) {
	t.mu.RLock()
	callbacks := make([]StatusCallback, len(t.statusCallbacks))
	copy(callbacks, t.statusCallbacks)
	t.mu.RUnlock()

	for _, cb := range callbacks {
		cb(id, status)
	}
}

// publishOutcome notifies outcome observers outside the tracker's lock.
func (t *Tracker) publishOutcome(delivered bool) {
	t.mu.RLock()
	callbacks := make([]OutcomeCallback, len(t.outcomeCallbacks))
	copy(callbacks, t.outcomeCallbacks)
	t.mu.RUnlock()

	for _, cb := range callbacks {
		cb(delivered)
	}
}

// publishRetry notifies retry observers outside the tracker's lock.
func (t *Tracker) publishRetry() {
	t.mu.RLock()
	callbacks := make([]func(), len(t.retryCallbacks))
	copy(callbacks, t.retryCallbacks)
	t.mu.RUnlock()

	for _, cb := range callbacks {
		cb()
	}
}
