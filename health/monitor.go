// Package health derives an actionable link-quality signal from raw mesh
// telemetry.
//
// The Monitor keeps bounded rolling windows of signal strength, delivery
// outcomes, latency, and peer counts, folds them into a single weighted
// score, classifies the score into a status level, and produces
// human-readable recommendations on demand. Metrics recompute on a fixed
// cadence and immediately on every contributing event, whichever comes
// first.
package health

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshlink/transport"
)

// Weights control the contribution of each input to the health score. They
// should sum to 1.0.
type Weights struct {
	PeerCount float64
	Signal    float64
	Delivery  float64
	Queue     float64
}

// Thresholds are the score cut-offs for each status level.
type Thresholds struct {
	Excellent float64
	Good      float64
	Fair      float64
}

// Config holds monitor tuning parameters.
type Config struct {
	// RecomputeInterval is the fixed metrics recompute cadence.
	RecomputeInterval time.Duration
	// LatencyProbeInterval is the cadence of the round-trip latency probe.
	LatencyProbeInterval time.Duration

	// Rolling window caps, FIFO-trimmed.
	SignalWindow   int
	DeliveryWindow int
	LatencyWindow  int
	PeerWindow     int

	Weights    Weights
	Thresholds Thresholds

	// TargetPeerCount is the peer count that saturates the peer score.
	TargetPeerCount int
	// QueueSaturation is the queue depth that zeroes the queue score.
	QueueSaturation int

	// TrendMinSamples is the minimum peer-count history before a trend is
	// computed; TrendWindow is the comparison window size; TrendDelta is
	// the mean difference that flips the trend off stable.
	TrendMinSamples int
	TrendWindow     int
	TrendDelta      float64
}

// DefaultConfig returns the standard monitor configuration.
func DefaultConfig() Config {
	return Config{
		RecomputeInterval:    5 * time.Second,
		LatencyProbeInterval: 30 * time.Second,
		SignalWindow:         50,
		DeliveryWindow:       100,
		LatencyWindow:        20,
		PeerWindow:           50,
		Weights:              Weights{PeerCount: 0.40, Signal: 0.25, Delivery: 0.25, Queue: 0.10},
		Thresholds:           Thresholds{Excellent: 0.8, Good: 0.6, Fair: 0.4},
		TargetPeerCount:      5,
		QueueSaturation:      100,
		TrendMinSamples:      10,
		TrendWindow:          5,
		TrendDelta:           1.0,
	}
}

// Metrics is the derived health snapshot, recomputed periodically.
type Metrics struct {
	ConnectedPeers int
	MeanRSSI       float64
	DeliveryRate   float64
	QueuedMessages int
	FailedTotal    uint64
	RetryRate      float64
	MeanLatency    time.Duration
	Score          float64
	Status         Status
	Timestamp      time.Time
}

// Report is the on-demand detailed health report.
type Report struct {
	Metrics         Metrics
	Trend           Trend
	Recommendations []string
	Timestamp       time.Time
}

// LatencyProbe measures one round trip. ok is false when no measurement was
// possible.
type LatencyProbe func() (d time.Duration, ok bool)

// Monitor turns raw signals into a single actionable status.
type Monitor struct {
	mu      sync.RWMutex
	cfg     Config
	net     transport.Transport
	clk     clock.Clock
	metrics *monitorMetrics

	signalSamples []float64
	outcomes      []bool
	sendEvents    []bool // true entries are retries
	latencies     []time.Duration
	peerSamples   []int

	connectedPeers int
	queuedCount    int
	failedTotal    uint64
	radioOn        bool
	lastStatus     Status
	statusKnown    bool

	statusCallbacks []func(Status)
	probe           LatencyProbe

	running  bool
	stopChan chan struct{}
}

// New creates a health monitor around a non-owning transport handle. A nil
// clock selects the real clock; a nil registerer disables metrics
// registration.
func New(cfg Config, net transport.Transport, clk clock.Clock, reg prometheus.Registerer) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultConfig()
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = def.RecomputeInterval
	}
	if cfg.LatencyProbeInterval <= 0 {
		cfg.LatencyProbeInterval = def.LatencyProbeInterval
	}
	if cfg.SignalWindow <= 0 {
		cfg.SignalWindow = def.SignalWindow
	}
	if cfg.DeliveryWindow <= 0 {
		cfg.DeliveryWindow = def.DeliveryWindow
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if cfg.PeerWindow <= 0 {
		cfg.PeerWindow = def.PeerWindow
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.TargetPeerCount <= 0 {
		cfg.TargetPeerCount = def.TargetPeerCount
	}
	if cfg.QueueSaturation <= 0 {
		cfg.QueueSaturation = def.QueueSaturation
	}
	if cfg.TrendMinSamples <= 0 {
		cfg.TrendMinSamples = def.TrendMinSamples
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = def.TrendWindow
	}
	if cfg.TrendDelta <= 0 {
		cfg.TrendDelta = def.TrendDelta
	}

	logrus.WithFields(logrus.Fields{
		"function":           "New",
		"recompute_interval": cfg.RecomputeInterval,
	}).Info("Creating health monitor")

	return &Monitor{
		cfg:        cfg,
		net:        net,
		clk:        clk,
		metrics:    newMonitorMetrics(reg),
		radioOn:    true,
		lastStatus: StatusDisconnected,
	}
}

// Start begins the recompute and latency-probe loops. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	go m.run(m.stopChan)
}

// Stop halts the monitor's loops.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
}

// OnStatusChange registers a callback fired only on status level
// transitions. Callbacks are invoked outside the monitor's lock.
func (m *Monitor) OnStatusChange(cb func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCallbacks = append(m.statusCallbacks, cb)
}

// SetLatencyProbe installs the round-trip probe used on the slow cadence
// when at least one peer is connected.
func (m *Monitor) SetLatencyProbe(probe LatencyProbe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probe = probe
}

// RecordSignalSample records one RSSI sample in dBm.
func (m *Monitor) RecordSignalSample(rssi float64) {
	m.mu.Lock()
	m.signalSamples = trimFloat(append(m.signalSamples, rssi), m.cfg.SignalWindow)
	m.mu.Unlock()
	m.recompute()
}

// RecordPeerCount records one connected-peer-count sample.
func (m *Monitor) RecordPeerCount(n int) {
	m.mu.Lock()
	m.connectedPeers = n
	m.peerSamples = trimInt(append(m.peerSamples, n), m.cfg.PeerWindow)
	m.mu.Unlock()
	m.recompute()
}

// RecordDeliveryOutcome records one terminal delivery outcome.
func (m *Monitor) RecordDeliveryOutcome(delivered bool) {
	m.mu.Lock()
	m.outcomes = trimBool(append(m.outcomes, delivered), m.cfg.DeliveryWindow)
	m.sendEvents = trimBool(append(m.sendEvents, false), m.cfg.DeliveryWindow)
	if !delivered {
		m.failedTotal++
	}
	m.mu.Unlock()
	m.recompute()
}

// RecordRetry records one retransmission attempt.
func (m *Monitor) RecordRetry() {
	m.mu.Lock()
	m.sendEvents = trimBool(append(m.sendEvents, true), m.cfg.DeliveryWindow)
	m.mu.Unlock()
	m.recompute()
}

// RecordLatency records one round-trip latency sample.
func (m *Monitor) RecordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = trimDuration(append(m.latencies, d), m.cfg.LatencyWindow)
	m.mu.Unlock()
	m.recompute()
}

// SetQueueDepth records the current offline queue depth.
func (m *Monitor) SetQueueDepth(n int) {
	m.mu.Lock()
	m.queuedCount = n
	m.mu.Unlock()
	m.recompute()
}

// SetRadioState records whether the radio is powered. Radio off forces the
// disconnected status regardless of score.
func (m *Monitor) SetRadioState(on bool) {
	m.mu.Lock()
	m.radioOn = on
	m.mu.Unlock()
	m.recompute()
}

// CurrentMetrics returns the current derived snapshot.
func (m *Monitor) CurrentMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

// CurrentStatus returns the current status level.
func (m *Monitor) CurrentStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.classifyLocked(m.scoreLocked())
}

// CurrentTrend compares the mean of the most recent peer-count samples
// against the preceding window. It is stable until enough samples exist.
func (m *Monitor) CurrentTrend() Trend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trendLocked()
}

// Recommendations derives advisory strings from the current metrics. They
// are recomputed on every call, never cached.
func (m *Monitor) Recommendations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recommendationsLocked()
}

// GenerateReport produces the on-demand detailed health report.
func (m *Monitor) GenerateReport() Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Report{
		Metrics:         m.snapshotLocked(),
		Trend:           m.trendLocked(),
		Recommendations: m.recommendationsLocked(),
		Timestamp:       m.clk.Now(),
	}
}

// run drives the fixed recompute cadence and the slower latency probe.
func (m *Monitor) run(stop chan struct{}) {
	recompute := m.clk.Ticker(m.cfg.RecomputeInterval)
	probe := m.clk.Ticker(m.cfg.LatencyProbeInterval)
	defer recompute.Stop()
	defer probe.Stop()

	for {
		select {
		case <-stop:
			return
		case <-recompute.C:
			m.samplePeers()
			m.recompute()
		case <-probe.C:
			m.probeLatency()
		}
	}
}

// samplePeers reads the transport's peer roster on the fixed cadence so the
// trend window fills even when no events arrive.
func (m *Monitor) samplePeers() {
	if m.net == nil {
		return
	}
	n := len(m.net.ConnectedPeers())
	m.mu.Lock()
	m.connectedPeers = n
	m.peerSamples = trimInt(append(m.peerSamples, n), m.cfg.PeerWindow)
	m.mu.Unlock()
}

// probeLatency runs the installed round-trip probe when at least one peer is
// connected.
func (m *Monitor) probeLatency() {
	m.mu.RLock()
	probe := m.probe
	peers := m.connectedPeers
	m.mu.RUnlock()

	if probe == nil || peers == 0 {
		return
	}
	if d, ok := probe(); ok {
		m.RecordLatency(d)
	}
}

// recompute refreshes the derived metrics and publishes a status-change
// event when the level transitions.
func (m *Monitor) recompute() {
	m.mu.Lock()
	snap := m.snapshotLocked()
	changed := !m.statusKnown || snap.Status != m.lastStatus
	m.lastStatus = snap.Status
	m.statusKnown = true
	m.mu.Unlock()

	m.metrics.score.Set(snap.Score)
	m.metrics.peers.Set(float64(snap.ConnectedPeers))
	m.metrics.deliveryRate.Set(snap.DeliveryRate)
	m.metrics.retryRate.Set(snap.RetryRate)

	if changed {
		logrus.WithFields(logrus.Fields{
			"function": "recompute",
			"status":   snap.Status.String(),
			"score":    snap.Score,
			"peers":    snap.ConnectedPeers,
		}).Info("Health status changed")
		m.publishStatus(snap.Status)
	}
}

// snapshotLocked builds the current metrics snapshot. Caller must hold m.mu.
func (m *Monitor) snapshotLocked() Metrics {
	score := m.scoreLocked()
	return Metrics{
		ConnectedPeers: m.connectedPeers,
		MeanRSSI:       meanFloat(m.signalSamples),
		DeliveryRate:   m.deliveryRateLocked(),
		QueuedMessages: m.queuedCount,
		FailedTotal:    m.failedTotal,
		RetryRate:      m.retryRateLocked(),
		MeanLatency:    meanDuration(m.latencies),
		Score:          score,
		Status:         m.classifyLocked(score),
		Timestamp:      m.clk.Now(),
	}
}

// scoreLocked computes the weighted health score. Caller must hold m.mu.
func (m *Monitor) scoreLocked() float64 {
	peerScore := clamp(float64(m.connectedPeers)/float64(m.cfg.TargetPeerCount), 0, 1)

	// With no signal history the signal term stays optimistic rather than
	// dragging a fresh node to "poor" before the first sample arrives.
	signalScore := 1.0
	if len(m.signalSamples) > 0 {
		signalScore = clamp((meanFloat(m.signalSamples)+100)/50, 0, 1)
	}

	queueScore := clamp(1-float64(m.queuedCount)/float64(m.cfg.QueueSaturation), 0, 1)

	w := m.cfg.Weights
	return w.PeerCount*peerScore + w.Signal*signalScore + w.Delivery*m.deliveryRateLocked() + w.Queue*queueScore
}

// classifyLocked maps a score to a status level. Radio off or zero connected
// peers overrides the score entirely. Caller must hold m.mu.
func (m *Monitor) classifyLocked(score float64) Status {
	if !m.radioOn || m.connectedPeers == 0 {
		return StatusDisconnected
	}
	t := m.cfg.Thresholds
	switch {
	case score >= t.Excellent:
		return StatusExcellent
	case score >= t.Good:
		return StatusGood
	case score >= t.Fair:
		return StatusFair
	default:
		return StatusPoor
	}
}

// deliveryRateLocked returns the success fraction over the outcome window,
// optimistic when no outcomes exist yet. Caller must hold m.mu.
func (m *Monitor) deliveryRateLocked() float64 {
	if len(m.outcomes) == 0 {
		return 1.0
	}
	ok := 0
	for _, delivered := range m.outcomes {
		if delivered {
			ok++
		}
	}
	return float64(ok) / float64(len(m.outcomes))
}

// retryRateLocked returns the share of recent transmissions that were
// retries. Caller must hold m.mu.
func (m *Monitor) retryRateLocked() float64 {
	if len(m.sendEvents) == 0 {
		return 0
	}
	retries := 0
	for _, isRetry := range m.sendEvents {
		if isRetry {
			retries++
		}
	}
	return float64(retries) / float64(len(m.sendEvents))
}

// trendLocked computes the connectivity trend. Caller must hold m.mu.
func (m *Monitor) trendLocked() Trend {
	w := m.cfg.TrendWindow
	if len(m.peerSamples) < m.cfg.TrendMinSamples || len(m.peerSamples) < 2*w {
		return TrendStable
	}
	recent := m.peerSamples[len(m.peerSamples)-w:]
	previous := m.peerSamples[len(m.peerSamples)-2*w : len(m.peerSamples)-w]

	diff := meanInt(recent) - meanInt(previous)
	switch {
	case diff > m.cfg.TrendDelta:
		return TrendImproving
	case diff < -m.cfg.TrendDelta:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// recommendationsLocked derives the ordered advisory list. Caller must hold
// m.mu.
func (m *Monitor) recommendationsLocked() []string {
	var recs []string
	if m.connectedPeers == 0 {
		recs = append(recs, "No peers connected - check that peers are in range")
	} else if m.connectedPeers < 3 {
		recs = append(recs, "Few peers nearby - delivery reliability may be reduced")
	}
	if len(m.signalSamples) > 0 && meanFloat(m.signalSamples) < -80 {
		recs = append(recs, "Weak signal - move closer to other peers")
	}
	if len(m.outcomes) > 0 && m.deliveryRateLocked() < 0.7 {
		recs = append(recs, "Low delivery rate - messages may not be reaching recipients")
	}
	if m.queuedCount > 50 {
		recs = append(recs, "Many messages queued - recipients may be offline")
	}
	if m.retryRateLocked() > 0.3 {
		recs = append(recs, "High retry rate - the link is unstable")
	}
	if !m.radioOn {
		recs = append(recs, "Radio is powered off - power it on to reconnect")
	}
	if len(recs) == 0 {
		recs = append(recs, "Mesh connection is healthy")
	}
	return recs
}

// publishStatus notifies status observers outside the monitor's lock.
func (m *Monitor) publishStatus(status Status) {
	m.mu.RLock()
	callbacks := make([]func(Status), len(m.statusCallbacks))
	copy(callbacks, m.statusCallbacks)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		cb(status)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func meanFloat(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func meanInt(samples []int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

func trimFloat(s []float64, limit int) []float64 {
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

func trimInt(s []int, limit int) []int {
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

func trimBool(s []bool, limit int) []bool {
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

func trimDuration(s []time.Duration, limit int) []time.Duration {
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}
