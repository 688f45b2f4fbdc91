package transport

import "sync"

// MockTransport implements Transport for testing.
type MockTransport struct {
	mu         sync.Mutex
	sent       []MockSend
	broadcasts []MockBroadcast
	acks       []MockAckSend
	connected  map[PeerID]bool
	radioOn    bool
	sendFunc   func(msg *Message, peer PeerID) error
}

// MockSend records one unicast send.
type MockSend struct {
	Msg  *Message
	Peer PeerID
}

// MockBroadcast records one channel broadcast.
type MockBroadcast struct {
	Msg     *Message
	Channel string
}

// MockAckSend records one outbound acknowledgement.
type MockAckSend struct {
	Ack  *Ack
	Peer PeerID
}

// NewMockTransport creates a mock transport with the radio powered on and no
// connected peers.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: make(map[PeerID]bool),
		radioOn:   true,
		sendFunc:  func(msg *Message, peer PeerID) error { return nil },
	}
}

// Send implements Transport.Send.
func (m *MockTransport) Send(msg *Message, peer PeerID) error {
	m.mu.Lock()
	m.sent = append(m.sent, MockSend{Msg: msg, Peer: peer})
	fn := m.sendFunc
	m.mu.Unlock()
	return fn(msg, peer)
}

// SendBroadcast implements Transport.SendBroadcast.
func (m *MockTransport) SendBroadcast(msg *Message, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, MockBroadcast{Msg: msg, Channel: channel})
	return nil
}

// SendAck implements Transport.SendAck.
func (m *MockTransport) SendAck(ack *Ack, peer PeerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, MockAckSend{Ack: ack, Peer: peer})
	return nil
}

// ConnectedPeers implements Transport.ConnectedPeers.
func (m *MockTransport) ConnectedPeers() []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]PeerID, 0, len(m.connected))
	for p := range m.connected {
		peers = append(peers, p)
	}
	return peers
}

// IsRadioOn implements Transport.IsRadioOn.
func (m *MockTransport) IsRadioOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.radioOn
}

// SetConnectedPeers replaces the connected-peer set.
func (m *MockTransport) SetConnectedPeers(peers ...PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = make(map[PeerID]bool, len(peers))
	for _, p := range peers {
		m.connected[p] = true
	}
}

// SetRadioState sets the simulated radio power state.
func (m *MockTransport) SetRadioState(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.radioOn = on
}

// SetSendFunc allows customizing unicast send behavior for testing.
func (m *MockTransport) SetSendFunc(f func(msg *Message, peer PeerID) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendFunc = f
}

// SentMessages returns all unicast sends recorded so far.
func (m *MockTransport) SentMessages() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockSend, len(m.sent))
	copy(result, m.sent)
	return result
}

// Broadcasts returns all channel broadcasts recorded so far.
func (m *MockTransport) Broadcasts() []MockBroadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockBroadcast, len(m.broadcasts))
	copy(result, m.broadcasts)
	return result
}

// SentAcks returns all outbound acknowledgements recorded so far.
func (m *MockTransport) SentAcks() []MockAckSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockAckSend, len(m.acks))
	copy(result, m.acks)
	return result
}

// SentTo returns unicast sends addressed to a specific peer.
func (m *MockTransport) SentTo(peer PeerID) []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []MockSend
	for _, s := range m.sent {
		if s.Peer == peer {
			result = append(result, s)
		}
	}
	return result
}
