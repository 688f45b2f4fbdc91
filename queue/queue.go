// Package queue implements the priority-based offline queue for the mesh
// reliability layer.
//
// Messages addressed to currently-unreachable peers are held here under a
// hard capacity bound, ordered by priority and insertion time. Admission
// under pressure is eviction-based: the oldest low-priority entries are
// dropped first, then the oldest normal entries; producers never receive a
// "queue full" failure. Entries expire after a class-specific retention and
// drain back through the transport when their recipient reconnects.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/transport"
)

// QueuedMessage is one message waiting for an offline recipient.
type QueuedMessage struct {
	Msg             *transport.Message
	DestinationID   transport.PeerID
	DestinationName string
	EnqueuedAt      time.Time
	Priority        Priority
	RetryBudget     int
	IsFavorite      bool
}

// Stats describes queue utilization at a point in time.
type Stats struct {
	Total              int
	ByPriority         map[Priority]int
	OldestAge          time.Duration
	MeanAge            time.Duration
	DistinctRecipients int
}

// Config holds offline queue tuning parameters.
type Config struct {
	// Capacity bounds total entries across all priority classes.
	Capacity int
	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration
	// DrainDelay paces messages during a queue flush to avoid saturating
	// the link.
	DrainDelay time.Duration
}

// DefaultConfig returns the standard queue configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:      limits.DefaultQueueCapacity,
		SweepInterval: time.Minute,
		DrainDelay:    50 * time.Millisecond,
	}
}

// OfflineQueue holds messages for unreachable peers.
type OfflineQueue struct {
	mu      sync.Mutex
	cfg     Config
	net     transport.Transport
	clk     clock.Clock
	metrics *queueMetrics

	classes map[Priority][]*QueuedMessage

	sizeCallbacks     []func(int)
	queuedCallbacks   []func(*QueuedMessage)
	dequeuedCallbacks []func(messageID string)

	running  bool
	stopChan chan struct{}
}

// New creates an offline queue around a non-owning transport handle. A nil
// clock selects the real clock; a nil registerer disables metrics
// registration.
func New(cfg Config, net transport.Transport, clk clock.Clock, reg prometheus.Registerer) *OfflineQueue {
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"capacity": cfg.Capacity,
	}).Info("Creating offline message queue")

	return &OfflineQueue{
		cfg:     cfg,
		net:     net,
		clk:     clk,
		metrics: newQueueMetrics(reg),
		classes: make(map[Priority][]*QueuedMessage),
	}
}

// Start begins the periodic expiry sweep. Calling Start on a running queue
// is a no-op.
func (q *OfflineQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stopChan = make(chan struct{})
	go q.sweepLoop(q.stopChan)
}

// Stop halts the expiry sweep. Queued entries are retained.
func (q *OfflineQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}
	q.running = false
	close(q.stopChan)
}

// OnSizeChange registers a callback for queue depth changes. Callbacks are
// invoked outside the queue's lock.
func (q *OfflineQueue) OnSizeChange(cb func(int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sizeCallbacks = append(q.sizeCallbacks, cb)
}

// OnMessageQueued registers a callback invoked once per admitted entry.
func (q *OfflineQueue) OnMessageQueued(cb func(*QueuedMessage)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queuedCallbacks = append(q.queuedCallbacks, cb)
}

// OnMessageDequeued registers a callback invoked once per drained entry.
func (q *OfflineQueue) OnMessageDequeued(cb func(messageID string)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dequeuedCallbacks = append(q.dequeuedCallbacks, cb)
}

// Enqueue admits a message for a currently-unreachable peer. If the queue is
// at capacity, the oldest low entries are evicted first, then the oldest
// normal entries; urgent and high entries are never evicted for a new
// admission. Favorites carry a larger retry budget for the delivery layer to
// honor.
func (q *OfflineQueue) Enqueue(msg *transport.Message, destID transport.PeerID, destName string, priority Priority, isFavorite bool) *QueuedMessage {
	if msg == nil {
		return nil
	}

	entry := &QueuedMessage{
		Msg:             msg,
		DestinationID:   destID,
		DestinationName: destName,
		EnqueuedAt:      q.clk.Now(),
		Priority:        priority,
		RetryBudget:     limits.RetryBudgetFor(isFavorite),
		IsFavorite:      isFavorite,
	}

	q.mu.Lock()
	for q.total() >= q.cfg.Capacity {
		if !q.evictOne() {
			// Nothing evictable: the queue is entirely urgent/high.
			// The new entry is dropped rather than the bound broken;
			// the producer still sees a successful enqueue.
			q.mu.Unlock()
			logrus.WithFields(logrus.Fields{
				"function":   "Enqueue",
				"message_id": msg.ID,
				"priority":   priority.String(),
			}).Warn("Queue full of unevictable entries, dropping new admission")
			return nil
		}
	}

	class := append(q.classes[priority], entry)
	sort.SliceStable(class, func(i, j int) bool {
		return class[i].EnqueuedAt.Before(class[j].EnqueuedAt)
	})
	q.classes[priority] = class
	size := q.total()
	q.metrics.depth.Set(float64(size))
	q.mu.Unlock()

	q.metrics.queued.Inc()
	logrus.WithFields(logrus.Fields{
		"function":    "Enqueue",
		"message_id":  msg.ID,
		"destination": destID,
		"priority":    priority.String(),
		"queue_size":  size,
	}).Debug("Queued message for offline peer")

	q.publishQueued(entry)
	q.publishSize(size)
	return entry
}

// DequeueForPeer atomically removes and returns all entries addressed to a
// peer, ordered urgent, high, normal, low, oldest first within a class.
// Expired entries are dropped here even if the sweep has not run yet.
func (q *OfflineQueue) DequeueForPeer(peer transport.PeerID) []*QueuedMessage {
	now := q.clk.Now()

	q.mu.Lock()
	var result []*QueuedMessage
	expiredCount := 0
	for _, p := range drainOrder {
		entries := q.classes[p]
		kept := entries[:0]
		for _, e := range entries {
			if e.DestinationID != peer {
				kept = append(kept, e)
				continue
			}
			if q.isExpired(e, now) {
				expiredCount++
				continue
			}
			result = append(result, e)
		}
		q.classes[p] = kept
	}
	size := q.total()
	q.metrics.depth.Set(float64(size))
	q.mu.Unlock()

	for i := 0; i < expiredCount; i++ {
		q.metrics.expired.Inc()
	}
	if len(result) > 0 || expiredCount > 0 {
		for _, e := range result {
			q.metrics.drained.Inc()
			q.publishDequeued(e.Msg.ID)
		}
		q.publishSize(size)
	}
	return result
}

// MessagesForPeer returns a copy of the entries addressed to a peer without
// removing them. Expired entries are excluded.
func (q *OfflineQueue) MessagesForPeer(peer transport.PeerID) []*QueuedMessage {
	now := q.clk.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var result []*QueuedMessage
	for _, p := range drainOrder {
		for _, e := range q.classes[p] {
			if e.DestinationID == peer && !q.isExpired(e, now) {
				copied := *e
				result = append(result, &copied)
			}
		}
	}
	return result
}

// Len returns the number of queued entries across all classes.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total()
}

// Statistics returns per-class counts, oldest age, mean age, and the number
// of distinct recipients.
func (q *OfflineQueue) Statistics() Stats {
	now := q.clk.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := Stats{ByPriority: make(map[Priority]int)}
	recipients := make(map[transport.PeerID]bool)
	var totalAge time.Duration
	for _, p := range drainOrder {
		stats.ByPriority[p] = len(q.classes[p])
		for _, e := range q.classes[p] {
			age := now.Sub(e.EnqueuedAt)
			totalAge += age
			if age > stats.OldestAge {
				stats.OldestAge = age
			}
			recipients[e.DestinationID] = true
			stats.Total++
		}
	}
	if stats.Total > 0 {
		stats.MeanAge = totalAge / time.Duration(stats.Total)
	}
	stats.DistinctRecipients = len(recipients)
	return stats
}

// ProcessQueue drains entries for every currently connected peer and
// re-submits them through the transport, pacing consecutive messages with a
// small delay to avoid saturating the link.
func (q *OfflineQueue) ProcessQueue() {
	for _, peer := range q.net.ConnectedPeers() {
		entries := q.DequeueForPeer(peer)
		for i, e := range entries {
			if i > 0 && q.cfg.DrainDelay > 0 {
				q.clk.Sleep(q.cfg.DrainDelay)
			}
			if err := q.net.Send(e.Msg, peer); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "ProcessQueue",
					"message_id": e.Msg.ID,
					"peer":       peer,
					"error":      err.Error(),
				}).Warn("Failed to resend queued message")
			}
		}
		if len(entries) > 0 {
			logrus.WithFields(logrus.Fields{
				"function": "ProcessQueue",
				"peer":     peer,
				"count":    len(entries),
			}).Info("Flushed queued messages to reconnected peer")
		}
	}
}

// Clear removes every queued entry.
func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	q.classes = make(map[Priority][]*QueuedMessage)
	q.metrics.depth.Set(0)
	q.mu.Unlock()

	q.publishSize(0)
}

// ClearPeer removes every entry addressed to one peer.
func (q *OfflineQueue) ClearPeer(peer transport.PeerID) {
	q.mu.Lock()
	for _, p := range drainOrder {
		entries := q.classes[p]
		kept := entries[:0]
		for _, e := range entries {
			if e.DestinationID != peer {
				kept = append(kept, e)
			}
		}
		q.classes[p] = kept
	}
	size := q.total()
	q.metrics.depth.Set(float64(size))
	q.mu.Unlock()

	q.publishSize(size)
}

// RemoveExpired drops all entries past their class retention and returns the
// number removed.
func (q *OfflineQueue) RemoveExpired() int {
	now := q.clk.Now()

	q.mu.Lock()
	removed := 0
	for _, p := range drainOrder {
		entries := q.classes[p]
		kept := entries[:0]
		for _, e := range entries {
			if q.isExpired(e, now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		q.classes[p] = kept
	}
	size := q.total()
	q.metrics.depth.Set(float64(size))
	q.mu.Unlock()

	if removed > 0 {
		for i := 0; i < removed; i++ {
			q.metrics.expired.Inc()
		}
		logrus.WithFields(logrus.Fields{
			"function": "RemoveExpired",
			"removed":  removed,
		}).Debug("Removed expired queued messages")
		q.publishSize(size)
	}
	return removed
}

// total returns the entry count across all classes. Caller must hold q.mu.
func (q *OfflineQueue) total() int {
	n := 0
	for _, entries := range q.classes {
		n += len(entries)
	}
	return n
}

// evictOne removes the oldest entry from the most evictable class. Caller
// must hold q.mu. Returns false when only urgent/high entries remain.
func (q *OfflineQueue) evictOne() bool {
	for _, p := range evictOrder {
		entries := q.classes[p]
		if len(entries) == 0 {
			continue
		}
		victim := entries[0]
		q.classes[p] = entries[1:]
		q.metrics.evicted.Inc()
		logrus.WithFields(logrus.Fields{
			"function":   "evictOne",
			"message_id": victim.Msg.ID,
			"priority":   p.String(),
			"age":        q.clk.Now().Sub(victim.EnqueuedAt).String(),
		}).Warn("Evicting queued message to make room")
		return true
	}
	return false
}

// isExpired reports whether an entry is past its class retention.
func (q *OfflineQueue) isExpired(e *QueuedMessage, now time.Time) bool {
	retention := limits.DefaultRetention
	if e.Priority == PriorityUrgent {
		retention = limits.UrgentRetention
	}
	return now.Sub(e.EnqueuedAt) > retention
}

// sweepLoop runs the periodic expiry sweep until stopped.
func (q *OfflineQueue) sweepLoop(stop chan struct{}) {
	ticker := q.clk.Ticker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			q.RemoveExpired()
		}
	}
}

// publishSize notifies size observers outside the queue's lock.
func (q *OfflineQueue) publishSize(size int) {
	q.mu.Lock()
	callbacks := make([]func(int), len(q.sizeCallbacks))
	copy(callbacks, q.sizeCallbacks)
	q.mu.Unlock()

	for _, cb := range callbacks {
		cb(size)
	}
}

// publishQueued notifies queued observers outside the queue's lock.
func (q *OfflineQueue) publishQueued(e *QueuedMessage) {
	q.mu.Lock()
	callbacks := make([]func(*QueuedMessage), len(q.queuedCallbacks))
	copy(callbacks, q.queuedCallbacks)
	q.mu.Unlock()

	for _, cb := range callbacks {
		cb(e)
	}
}

// publishDequeued notifies dequeued observers outside the queue's lock.
func (q *OfflineQueue) publishDequeued(messageID string) {
	q.mu.Lock()
	callbacks := make([]func(string), len(q.dequeuedCallbacks))
	copy(callbacks, q.dequeuedCallbacks)
	q.mu.Unlock()

	for _, cb := range callbacks {
		cb(messageID)
	}
}
