package delivery

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshlink/transport"
)

// statusRecorder captures published status transitions.
type statusRecorder struct {
	mu      sync.Mutex
	changes []Status
}

func (r *statusRecorder) record(_ string, st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, st)
}

func (r *statusRecorder) seen(st Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.changes {
		if s == st {
			return true
		}
	}
	return false
}

func (r *statusRecorder) count(st Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.changes {
		if s == st {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T) (*Tracker, *transport.MockTransport, *clock.Mock, *statusRecorder) {
	t.Helper()
	mck := clock.NewMock()
	net := transport.NewMockTransport()
	tr, err := New(DefaultConfig(), net, mck, nil)
	require.NoError(t, err)

	rec := &statusRecorder{}
	tr.OnStatusChange(rec.record)
	return tr, net, mck, rec
}

func TestTrackRegistersPendingDelivery(t *testing.T) {
	tr, _, _, rec := newTestTracker(t)

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))

	assert.Equal(t, 1, tr.PendingCount())
	assert.True(t, rec.seen(StatusPending))

	snap, ok := tr.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, transport.PeerID("peer-1"), snap.DestinationID)
	assert.Equal(t, 1, snap.ExpectedRecipients)
	assert.Equal(t, 0, snap.RetryCount)
	assert.Equal(t, StatusPending, snap.Status)
}

func TestTrackRefusesUntrackedBroadcast(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	msg := transport.NewChannelMessage([]byte("hello"), "#general")
	assert.ErrorIs(t, tr.Track(msg, "", "#general", false, 0), ErrNotTracked)
	assert.Equal(t, 0, tr.PendingCount())
}

func TestSentStatusPublishedShortlyAfterTrack(t *testing.T) {
	tr, _, mck, rec := newTestTracker(t)

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))
	assert.False(t, rec.seen(StatusSent))

	mck.Add(150 * time.Millisecond)
	assert.True(t, rec.seen(StatusSent))
}

func TestSingleRecipientAckDelivers(t *testing.T) {
	tr, _, _, rec := newTestTracker(t)

	var outcomes []bool
	tr.OnOutcome(func(delivered bool) { outcomes = append(outcomes, delivered) })

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))

	tr.ProcessAck(transport.NewAck(msg.ID, "peer-1", "Alice"))

	assert.True(t, rec.seen(StatusDelivered))
	assert.Equal(t, 0, tr.PendingCount())
	assert.Equal(t, []bool{true}, outcomes)
}

func TestDuplicateAckNeverDoubleCounts(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	msg := transport.NewChannelMessage([]byte("hello"), "#general")
	require.NoError(t, tr.Track(msg, "", "#general", false, 4))

	tr.ProcessAck(transport.NewAck(msg.ID, "p1", "P1"))
	snap, ok := tr.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, 1, snap.AckCount)

	// A second ack with the same messageID+senderID identity is silently
	// dropped even though it is a distinct packet.
	tr.ProcessAck(transport.NewAck(msg.ID, "p1", "P1"))
	snap, ok = tr.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, 1, snap.AckCount)
}

func TestChannelAckRatioThresholds(t *testing.T) {
	tr, _, _, rec := newTestTracker(t)

	msg := transport.NewChannelMessage([]byte("hello"), "#general")
	require.NoError(t, tr.Track(msg, "", "#general", false, 4))

	// 1 of 4: below the partial threshold, status unchanged.
	tr.ProcessAck(transport.NewAck(msg.ID, "p1", "P1"))
	assert.False(t, rec.seen(StatusPartiallyDelivered))

	// 2 of 4: ratio 0.5 reaches partial delivery.
	tr.ProcessAck(transport.NewAck(msg.ID, "p2", "P2"))
	assert.True(t, rec.seen(StatusPartiallyDelivered))

	// 3 of 4: still partial, no repeated publication.
	tr.ProcessAck(transport.NewAck(msg.ID, "p3", "P3"))
	assert.Equal(t, 1, rec.count(StatusPartiallyDelivered))

	// 4 of 4: fully delivered, entry removed.
	tr.ProcessAck(transport.NewAck(msg.ID, "p4", "P4"))
	assert.True(t, rec.seen(StatusDelivered))
	assert.Equal(t, 0, tr.PendingCount())
}

func TestAckForUnknownMessageIgnored(t *testing.T) {
	tr, _, _, rec := newTestTracker(t)

	tr.ProcessAck(transport.NewAck("no-such-message", "p1", "P1"))
	assert.Empty(t, rec.changes)
}

func TestGenerateAckDeduplicates(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	msg := transport.NewMessage([]byte("hello"), "self")

	ack, ok := tr.GenerateAck(msg, "self", "Me")
	require.True(t, ok)
	require.NotNil(t, ack)
	assert.Equal(t, msg.ID, ack.MessageID)

	// The node never emits two acks for one message to one recipient.
	dup, ok := tr.GenerateAck(msg, "self", "Me")
	assert.False(t, ok)
	assert.Nil(t, dup)
}

func TestInitialRetryDeadlineWithinBackoffWindow(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))

	snap, ok := tr.Get(msg.ID)
	require.True(t, ok)

	delay := snap.NextRetry.Sub(snap.SentAt)
	assert.GreaterOrEqual(t, delay, 1600*time.Millisecond)
	assert.LessOrEqual(t, delay, 2400*time.Millisecond)
}

func TestRetryReschedulesWithExponentialBackoff(t *testing.T) {
	tr, net, mck, rec := newTestTracker(t)

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))

	require.NoError(t, tr.Retry(msg.ID))

	assert.Len(t, net.SentTo("peer-1"), 1)
	assert.True(t, rec.seen(StatusRetrying))

	snap, ok := tr.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, 1, snap.RetryCount)

	// Attempt index 1: delay in [4*0.8, 4*1.2] seconds.
	delay := snap.NextRetry.Sub(mck.Now())
	assert.GreaterOrEqual(t, delay, 3200*time.Millisecond)
	assert.LessOrEqual(t, delay, 4800*time.Millisecond)
}

func TestSweepRetriesPastDeadline(t *testing.T) {
	tr, net, mck, _ := newTestTracker(t)

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))

	// Before the earliest possible deadline (2s * 0.8) nothing fires.
	mck.Add(1500 * time.Millisecond)
	tr.sweep()
	assert.Empty(t, net.SentTo("peer-1"))

	// Past the latest possible deadline (2s * 1.2) the retry fires.
	mck.Add(1 * time.Second)
	tr.sweep()
	assert.Len(t, net.SentTo("peer-1"), 1)
}

func TestRetriesExhaustedFinalizesFailed(t *testing.T) {
	tr, net, mck, rec := newTestTracker(t)

	var outcomes []bool
	tr.OnOutcome(func(delivered bool) { outcomes = append(outcomes, delivered) })
	retries := 0
	tr.OnRetry(func() { retries++ })

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Retry(msg.ID))
	}
	assert.Equal(t, 5, retries)
	assert.Len(t, net.SentTo("peer-1"), 5)

	// The budget is spent.
	assert.ErrorIs(t, tr.Retry(msg.ID), ErrRetryIneligible)

	// Past the private timeout class the sweep finalizes the entry.
	mck.Add(31 * time.Second)
	tr.sweep()

	assert.True(t, rec.seen(StatusFailed))
	assert.Equal(t, 0, tr.PendingCount())
	assert.Equal(t, uint64(1), tr.FailedCount())
	assert.Equal(t, []bool{false}, outcomes)

	assert.ErrorIs(t, tr.Retry(msg.ID), ErrNotTracked)
}

func TestChannelMessageNotRetriedUnlessFavorite(t *testing.T) {
	tr, net, mck, rec := newTestTracker(t)

	msg := transport.NewChannelMessage([]byte("hello"), "#general")
	require.NoError(t, tr.Track(msg, "", "#general", false, 3))

	// A plain channel broadcast is assumed to have reached all current
	// listeners; once transmitted it is never retried.
	assert.ErrorIs(t, tr.Retry(msg.ID), ErrRetryIneligible)
	mck.Add(10 * time.Second)
	tr.sweep()
	assert.Empty(t, net.Broadcasts())

	// Past the channel timeout with no acks it fails.
	mck.Add(51 * time.Second)
	tr.sweep()
	assert.True(t, rec.seen(StatusFailed))
	assert.Equal(t, 0, tr.PendingCount())
}

func TestChannelFavoriteIsRetried(t *testing.T) {
	tr, net, _, _ := newTestTracker(t)

	msg := transport.NewChannelMessage([]byte("hello"), "#general")
	require.NoError(t, tr.Track(msg, "", "#general", true, 3))

	require.NoError(t, tr.Retry(msg.ID))
	assert.Len(t, net.Broadcasts(), 1)
}

func TestPartiallyDeliveredRemovedSilentlyAtTimeout(t *testing.T) {
	tr, _, mck, rec := newTestTracker(t)

	var outcomes []bool
	tr.OnOutcome(func(delivered bool) { outcomes = append(outcomes, delivered) })

	msg := transport.NewChannelMessage([]byte("hello"), "#general")
	require.NoError(t, tr.Track(msg, "", "#general", false, 2))

	tr.ProcessAck(transport.NewAck(msg.ID, "p1", "P1"))
	assert.True(t, rec.seen(StatusPartiallyDelivered))

	mck.Add(61 * time.Second)
	tr.sweep()

	// The entry is gone but its last visible state stays partial; it is
	// neither failed nor counted as an outcome.
	assert.Equal(t, 0, tr.PendingCount())
	assert.False(t, rec.seen(StatusFailed))
	assert.Equal(t, uint64(0), tr.FailedCount())
	assert.Empty(t, outcomes)
}

func TestFavoriteUsesLongTimeout(t *testing.T) {
	tr, _, mck, _ := newTestTracker(t)

	fav := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(fav, "peer-1", "Alice", true, 1))

	plain := transport.NewMessage([]byte("hello"), "peer-2")
	require.NoError(t, tr.Track(plain, "peer-2", "Bob", false, 1))

	// Past the private timeout the plain entry has no retry eligibility
	// left, while the favorite stays retryable until 300s.
	mck.Add(200 * time.Second)
	assert.ErrorIs(t, tr.Retry(plain.ID), ErrRetryIneligible)
	require.NoError(t, tr.Retry(fav.ID))

	mck.Add(101 * time.Second)
	assert.ErrorIs(t, tr.Retry(fav.ID), ErrRetryIneligible)
}

func TestStartStopIdempotent(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	tr.Start()
	tr.Start()
	tr.Stop()
	tr.Stop()
}

func TestStaleSentTimerCannotReviveFinalizedEntry(t *testing.T) {
	tr, _, mck, rec := newTestTracker(t)

	msg := transport.NewMessage([]byte("hello"), "peer-1")
	require.NoError(t, tr.Track(msg, "peer-1", "Alice", false, 1))

	// Finalize before the sent timer fires.
	tr.ProcessAck(transport.NewAck(msg.ID, "peer-1", "Alice"))
	require.Equal(t, 0, tr.PendingCount())

	mck.Add(1 * time.Second)
	assert.False(t, rec.seen(StatusSent))
	assert.Equal(t, 0, tr.PendingCount())
}
