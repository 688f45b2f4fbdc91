// Package meshlink implements the reliability layer of a peer-to-peer mesh
// messaging client.
//
// It sits between an application that originates and receives chat messages
// and an unreliable, intermittently-connected radio mesh, making best-effort
// delivery observable and self-healing: every confirmed-delivery message is
// tracked to completion with retry and backoff, messages for unreachable
// peers are held in a bounded priority queue until the recipient reappears,
// and link quality is continuously summarized into an actionable health
// signal.
//
// All state is process-lifetime only; a restart yields an empty tracker,
// queue, and metrics history.
//
// Example:
//
//	rel, err := meshlink.New(meshlink.DefaultConfig("self", "alice"), radio, nil, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rel.Start()
//	defer rel.Stop()
//
//	msg, err := rel.SendPrivate([]byte("hello"), "bob-id", "Bob", true, queue.PriorityNormal)
package meshlink

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/delivery"
	"github.com/opd-ai/meshlink/health"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/queue"
	"github.com/opd-ai/meshlink/transport"
)

// ErrNilTransport indicates construction without a transport handle.
var ErrNilTransport = errors.New("transport must not be nil")

// Config composes the per-component configurations.
type Config struct {
	// SelfID and SelfNickname identify this node in outbound acks.
	SelfID       transport.PeerID
	SelfNickname string

	Delivery delivery.Config
	Queue    queue.Config
	Health   health.Config
}

// DefaultConfig returns the standard configuration for a node.
func DefaultConfig(selfID transport.PeerID, nickname string) Config {
	return Config{
		SelfID:       selfID,
		SelfNickname: nickname,
		Delivery:     delivery.DefaultConfig(),
		Queue:        queue.DefaultConfig(),
		Health:       health.DefaultConfig(),
	}
}

// Reliability composes the delivery tracker, offline queue, and health
// monitor around a single non-owning transport handle. The reliability layer
// never owns the transport's lifetime.
type Reliability struct {
	cfg     Config
	net     transport.Transport
	clk     clock.Clock
	tracker *delivery.Tracker
	queue   *queue.OfflineQueue
	monitor *health.Monitor
}

// New constructs the reliability layer. A nil clock selects the real clock;
// a nil registerer disables metrics registration. Components are explicit
// instances: construct one Reliability per node, there is no shared global
// state.
func New(cfg Config, net transport.Transport, clk clock.Clock, reg prometheus.Registerer) (*Reliability, error) {
	if net == nil {
		return nil, ErrNilTransport
	}
	if clk == nil {
		clk = clock.New()
	}

	tracker, err := delivery.New(cfg.Delivery, net, clk, reg)
	if err != nil {
		return nil, err
	}

	r := &Reliability{
		cfg:     cfg,
		net:     net,
		clk:     clk,
		tracker: tracker,
		queue:   queue.New(cfg.Queue, net, clk, reg),
		monitor: health.New(cfg.Health, net, clk, reg),
	}

	// Internal wiring: delivery outcomes, retries, and queue depth feed the
	// health monitor.
	r.tracker.OnOutcome(r.monitor.RecordDeliveryOutcome)
	r.tracker.OnRetry(r.monitor.RecordRetry)
	r.queue.OnSizeChange(r.monitor.SetQueueDepth)
	r.monitor.SetLatencyProbe(r.measureLatency)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  cfg.SelfID,
	}).Info("Reliability layer created")

	return r, nil
}

// Start launches all background loops.
func (r *Reliability) Start() {
	r.tracker.Start()
	r.queue.Start()
	r.monitor.Start()
}

// Stop halts all background loops. State is retained but nothing persists
// across process restarts.
func (r *Reliability) Stop() {
	r.monitor.Stop()
	r.queue.Stop()
	r.tracker.Stop()
}

// SendPrivate sends a private message to one peer with delivery tracking.
// If the peer is not currently connected the message is additionally handed
// to the offline queue; an unreachable destination is never an error.
func (r *Reliability) SendPrivate(payload []byte, peer transport.PeerID, peerName string, favorite bool, priority queue.Priority) (*transport.Message, error) {
	if err := limits.ValidatePayload(payload); err != nil {
		return nil, err
	}

	msg := transport.NewMessage(payload, peer)
	if err := r.tracker.Track(msg, peer, peerName, favorite, 1); err != nil {
		return nil, err
	}

	if err := r.net.Send(msg, peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendPrivate",
			"message_id": msg.ID,
			"peer":       peer,
			"error":      err.Error(),
		}).Warn("Transport send failed, delivery will rely on retries")
	}
	if !r.isConnected(peer) {
		r.queue.Enqueue(msg, peer, peerName, priority, favorite)
	}
	return msg, nil
}

// SendChannel sends a channel message. With expectedRecipients > 0 the
// message is tracked for (partial) delivery confirmation; with 0 it is a
// plain broadcast, transmitted once and never confirmed.
func (r *Reliability) SendChannel(payload []byte, channel string, expectedRecipients int, favorite bool) (*transport.Message, error) {
	if err := limits.ValidatePayload(payload); err != nil {
		return nil, err
	}

	msg := transport.NewChannelMessage(payload, channel)
	if expectedRecipients > 0 {
		if err := r.tracker.Track(msg, "", channel, favorite, expectedRecipients); err != nil {
			return nil, err
		}
	}

	if err := r.net.SendBroadcast(msg, channel); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SendChannel",
			"message_id": msg.ID,
			"channel":    channel,
			"error":      err.Error(),
		}).Warn("Transport broadcast failed")
	}
	return msg, nil
}

// HandleAck consumes one inbound acknowledgement from the transport.
func (r *Reliability) HandleAck(ack *transport.Ack) {
	r.tracker.ProcessAck(ack)
}

// HandleInboundMessage acknowledges a message this node received. The ack is
// deduplicated: a node never emits two acks for one message to one sender.
func (r *Reliability) HandleInboundMessage(msg *transport.Message, from transport.PeerID) {
	ack, ok := r.tracker.GenerateAck(msg, r.cfg.SelfID, r.cfg.SelfNickname)
	if !ok {
		return
	}
	if err := r.net.SendAck(ack, from); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "HandleInboundMessage",
			"message_id": msg.ID,
			"peer":       from,
			"error":      err.Error(),
		}).Warn("Failed to send acknowledgement")
	}
}

// PeerConnected drains queued messages for a reconnected peer back through
// the transport, re-registering each with the delivery tracker so the
// carried retry budget is honored.
func (r *Reliability) PeerConnected(peer transport.PeerID) {
	r.monitor.RecordPeerCount(len(r.net.ConnectedPeers()))

	entries := r.queue.DequeueForPeer(peer)
	for _, e := range entries {
		if err := r.tracker.Track(e.Msg, e.DestinationID, e.DestinationName, e.IsFavorite, 1); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "PeerConnected",
				"message_id": e.Msg.ID,
			}).Debug("Queued message already tracked")
		}
		if err := r.net.Send(e.Msg, peer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "PeerConnected",
				"message_id": e.Msg.ID,
				"peer":       peer,
				"error":      err.Error(),
			}).Warn("Failed to deliver queued message")
		}
	}
	if len(entries) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PeerConnected",
			"peer":     peer,
			"count":    len(entries),
		}).Info("Delivered queued messages to reconnected peer")
	}
}

// PeerDisconnected records the shrunken peer roster.
func (r *Reliability) PeerDisconnected(peer transport.PeerID) {
	r.monitor.RecordPeerCount(len(r.net.ConnectedPeers()))
}

// RecordSignal forwards one transport RSSI sample to the health monitor.
func (r *Reliability) RecordSignal(rssi float64) {
	r.monitor.RecordSignalSample(rssi)
}

// SetRadioState forwards the radio power state to the health monitor.
func (r *Reliability) SetRadioState(on bool) {
	r.monitor.SetRadioState(on)
}

// OnDeliveryStatus registers a callback for per-message delivery status
// transitions.
func (r *Reliability) OnDeliveryStatus(cb delivery.StatusCallback) {
	r.tracker.OnStatusChange(cb)
}

// OnQueueSize registers a callback for offline queue depth changes.
func (r *Reliability) OnQueueSize(cb func(int)) {
	r.queue.OnSizeChange(cb)
}

// OnMessageQueued registers a callback invoked when a message is admitted to
// the offline queue.
func (r *Reliability) OnMessageQueued(cb func(*queue.QueuedMessage)) {
	r.queue.OnMessageQueued(cb)
}

// OnMessageDequeued registers a callback invoked when a queued message is
// drained for delivery.
func (r *Reliability) OnMessageDequeued(cb func(messageID string)) {
	r.queue.OnMessageDequeued(cb)
}

// OnHealthStatus registers a callback for health status level transitions.
func (r *Reliability) OnHealthStatus(cb func(health.Status)) {
	r.monitor.OnStatusChange(cb)
}

// HealthReport returns the on-demand detailed health report.
func (r *Reliability) HealthReport() health.Report {
	return r.monitor.GenerateReport()
}

// QueueStatistics returns current offline queue utilization.
func (r *Reliability) QueueStatistics() queue.Stats {
	return r.queue.Statistics()
}

// Tracker exposes the delivery tracker for advanced callers.
func (r *Reliability) Tracker() *delivery.Tracker { return r.tracker }

// Queue exposes the offline queue for advanced callers.
func (r *Reliability) Queue() *queue.OfflineQueue { return r.queue }

// Monitor exposes the health monitor for advanced callers.
func (r *Reliability) Monitor() *health.Monitor { return r.monitor }

// measureLatency is the default lightweight latency probe: it times the
// transport hand-off of a small probe message to the first connected peer.
// Hosts with a true round-trip channel should install their own probe via
// Monitor().SetLatencyProbe.
func (r *Reliability) measureLatency() (time.Duration, bool) {
	peers := r.net.ConnectedPeers()
	if len(peers) == 0 {
		return 0, false
	}
	probe := transport.NewMessage([]byte{0}, peers[0])
	start := r.clk.Now()
	if err := r.net.Send(probe, peers[0]); err != nil {
		return 0, false
	}
	return r.clk.Since(start), true
}

// isConnected reports whether a peer is in the transport's current roster.
func (r *Reliability) isConnected(peer transport.PeerID) bool {
	for _, p := range r.net.ConnectedPeers() {
		if p == peer {
			return true
		}
	}
	return false
}
