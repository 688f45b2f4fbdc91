package meshlink

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/delivery"
	"github.com/opd-ai/meshlink/health"
	"github.com/opd-ai/meshlink/limits"
	"github.com/opd-ai/meshlink/queue"
	"github.com/opd-ai/meshlink/transport"
)

func newTestReliability(t *testing.T) (*Reliability, *transport.MockTransport, *clock.Mock) {
	t.Helper()
	mck := clock.NewMock()
	net := transport.NewMockTransport()
	r, err := New(DefaultConfig("self-id", "Alice"), net, mck, nil)
	require.NoError(t, err)
	return r, net, mck
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(DefaultConfig("self-id", "Alice"), nil, nil, nil)
	assert.ErrorIs(t, err, ErrNilTransport)
}

func TestSendPrivateToConnectedPeer(t *testing.T) {
	r, net, _ := newTestReliability(t)
	net.SetConnectedPeers("bob")

	msg, err := r.SendPrivate([]byte("hello"), "bob", "Bob", false, queue.PriorityNormal)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Len(t, net.SentTo("bob"), 1)
	assert.Equal(t, 1, r.Tracker().PendingCount())
	// Connected recipient: nothing lands in the offline queue.
	assert.Equal(t, 0, r.Queue().Len())
}

func TestSendPrivateToOfflinePeerAlsoQueued(t *testing.T) {
	r, net, _ := newTestReliability(t)

	msg, err := r.SendPrivate([]byte("hello"), "bob", "Bob", true, queue.PriorityHigh)
	require.NoError(t, err)

	// Transmission is still attempted, and a copy waits for reconnect.
	assert.Len(t, net.SentTo("bob"), 1)
	assert.Equal(t, 1, r.Queue().Len())

	queued := r.Queue().MessagesForPeer("bob")
	require.Len(t, queued, 1)
	assert.Equal(t, msg.ID, queued[0].Msg.ID)
	assert.Equal(t, queue.PriorityHigh, queued[0].Priority)
	assert.Equal(t, limits.RetryBudgetFavorite, queued[0].RetryBudget)
}

func TestSendPrivateValidatesPayload(t *testing.T) {
	r, net, _ := newTestReliability(t)

	_, err := r.SendPrivate(nil, "bob", "Bob", false, queue.PriorityNormal)
	assert.ErrorIs(t, err, limits.ErrPayloadEmpty)

	huge := bytes.Repeat([]byte{1}, limits.MaxPayloadSize+1)
	_, err = r.SendPrivate(huge, "bob", "Bob", false, queue.PriorityNormal)
	assert.ErrorIs(t, err, limits.ErrPayloadTooLarge)

	assert.Empty(t, net.SentMessages())
	assert.Equal(t, 0, r.Tracker().PendingCount())
}

func TestSendChannelPlainBroadcastNotTracked(t *testing.T) {
	r, net, _ := newTestReliability(t)

	msg, err := r.SendChannel([]byte("hello"), "#general", 0, false)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Len(t, net.Broadcasts(), 1)
	assert.Equal(t, 0, r.Tracker().PendingCount())
}

func TestSendChannelWithExpectedRecipientsTracked(t *testing.T) {
	r, net, _ := newTestReliability(t)

	msg, err := r.SendChannel([]byte("hello"), "#general", 3, false)
	require.NoError(t, err)

	assert.Len(t, net.Broadcasts(), 1)
	assert.Equal(t, 1, r.Tracker().PendingCount())

	snap, ok := r.Tracker().Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, 3, snap.ExpectedRecipients)
}

func TestAckFlowDeliversMessage(t *testing.T) {
	r, net, _ := newTestReliability(t)
	net.SetConnectedPeers("bob")

	var statuses []delivery.Status
	r.OnDeliveryStatus(func(id string, st delivery.Status) {
		statuses = append(statuses, st)
	})

	msg, err := r.SendPrivate([]byte("hello"), "bob", "Bob", false, queue.PriorityNormal)
	require.NoError(t, err)

	r.HandleAck(transport.NewAck(msg.ID, "bob", "Bob"))

	assert.Equal(t, 0, r.Tracker().PendingCount())
	assert.Contains(t, statuses, delivery.StatusDelivered)

	// The delivered outcome reaches the health monitor through the
	// internal wiring.
	metrics := r.Monitor().CurrentMetrics()
	assert.InDelta(t, 1.0, metrics.DeliveryRate, 0.0001)
	assert.Equal(t, uint64(0), metrics.FailedTotal)
}

func TestHandleInboundMessageAcksExactlyOnce(t *testing.T) {
	r, net, _ := newTestReliability(t)

	msg := transport.NewMessage([]byte("hi"), "self-id")
	r.HandleInboundMessage(msg, "bob")
	r.HandleInboundMessage(msg, "bob")

	acks := net.SentAcks()
	require.Len(t, acks, 1)
	assert.Equal(t, msg.ID, acks[0].Ack.MessageID)
	assert.Equal(t, transport.PeerID("self-id"), acks[0].Ack.SenderID)
	assert.Equal(t, "Alice", acks[0].Ack.SenderNickname)
	assert.Equal(t, transport.PeerID("bob"), acks[0].Peer)
}

func TestPeerConnectedDrainsQueuedMessages(t *testing.T) {
	r, net, _ := newTestReliability(t)

	msg, err := r.SendPrivate([]byte("hello"), "bob", "Bob", false, queue.PriorityNormal)
	require.NoError(t, err)
	require.Equal(t, 1, r.Queue().Len())

	net.SetConnectedPeers("bob")
	r.PeerConnected("bob")

	assert.Equal(t, 0, r.Queue().Len())
	sent := net.SentTo("bob")
	require.Len(t, sent, 2)
	assert.Equal(t, msg.ID, sent[1].Msg.ID)
}

func TestPeerEventsFeedHealthMonitor(t *testing.T) {
	r, net, _ := newTestReliability(t)

	net.SetConnectedPeers("bob")
	r.PeerConnected("bob")
	assert.NotEqual(t, health.StatusDisconnected, r.Monitor().CurrentStatus())

	net.SetConnectedPeers()
	r.PeerDisconnected("bob")
	assert.Equal(t, health.StatusDisconnected, r.Monitor().CurrentStatus())
}

func TestQueueDepthFeedsHealthMonitor(t *testing.T) {
	r, _, _ := newTestReliability(t)

	_, err := r.SendPrivate([]byte("hello"), "bob", "Bob", false, queue.PriorityNormal)
	require.NoError(t, err)

	assert.Equal(t, 1, r.Monitor().CurrentMetrics().QueuedMessages)
}

func TestSignalAndRadioForwarding(t *testing.T) {
	r, net, _ := newTestReliability(t)
	net.SetConnectedPeers("bob")
	r.PeerConnected("bob")

	r.RecordSignal(-60)
	assert.InDelta(t, -60, r.Monitor().CurrentMetrics().MeanRSSI, 0.0001)

	r.SetRadioState(false)
	assert.Equal(t, health.StatusDisconnected, r.Monitor().CurrentStatus())
}

func TestHealthReportAndQueueStatistics(t *testing.T) {
	r, _, _ := newTestReliability(t)

	_, err := r.SendPrivate([]byte("hello"), "bob", "Bob", false, queue.PriorityUrgent)
	require.NoError(t, err)

	report := r.HealthReport()
	assert.False(t, report.Timestamp.IsZero())
	assert.NotEmpty(t, report.Recommendations)

	stats := r.QueueStatistics()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByPriority[queue.PriorityUrgent])
}

func TestMeasureLatencyNeedsPeers(t *testing.T) {
	r, net, _ := newTestReliability(t)

	_, ok := r.measureLatency()
	assert.False(t, ok)

	net.SetConnectedPeers("bob")
	d, ok := r.measureLatency()
	assert.True(t, ok)
	assert.GreaterOrEqual(t, d, time.Duration(0))
	assert.Len(t, net.SentTo("bob"), 1)
}

func TestStartStopIdempotent(t *testing.T) {
	r, _, _ := newTestReliability(t)
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}
