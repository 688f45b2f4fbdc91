// Package transport defines the contract between the reliability layer and
// the underlying mesh radio stack.
//
// The reliability layer never owns the transport: implementations are
// constructed by the host application and injected as a non-owning handle.
// This package also provides MockTransport for testing consumers without a
// radio.
package transport

import (
	"time"

	"github.com/google/uuid"
)

// PeerID identifies a peer on the mesh.
type PeerID string

// Message is an outbound or inbound application payload.
//
// A message is either private (Recipient set, Channel empty) or
// channel-addressed (Channel set, Recipient empty).
type Message struct {
	ID        string
	Payload   []byte
	Recipient PeerID
	Channel   string
	Timestamp time.Time
}

// NewMessage creates a private message addressed to a single peer.
func NewMessage(payload []byte, recipient PeerID) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Payload:   payload,
		Recipient: recipient,
		Timestamp: time.Now(),
	}
}

// NewChannelMessage creates a message addressed to a channel.
func NewChannelMessage(payload []byte, channel string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Payload:   payload,
		Channel:   channel,
		Timestamp: time.Now(),
	}
}

// IsChannel reports whether the message is channel-addressed.
func (m *Message) IsChannel() bool {
	return m.Channel != ""
}

// Ack is a delivery receipt sent by a recipient for a message it received.
type Ack struct {
	ID             string
	MessageID      string
	SenderID       PeerID
	SenderNickname string
	Timestamp      time.Time
}

// NewAck creates an acknowledgement for the given message from this node.
func NewAck(messageID string, sender PeerID, nickname string) *Ack {
	return &Ack{
		ID:             uuid.New().String(),
		MessageID:      messageID,
		SenderID:       sender,
		SenderNickname: nickname,
		Timestamp:      time.Now(),
	}
}

// DedupKey returns the composite identity used to deduplicate acks.
// Repeated network delivery of the same ack yields the same key.
func (a *Ack) DedupKey() string {
	return a.MessageID + "|" + string(a.SenderID)
}

// Transport is the radio stack as seen by the reliability layer.
//
// Send and SendBroadcast are best-effort: a nil error means the packet was
// handed to the radio, not that it arrived. Delivery is only ever confirmed
// by a later Ack.
type Transport interface {
	// Send transmits a message to a specific peer.
	Send(msg *Message, peer PeerID) error

	// SendBroadcast transmits a message to every listener on a channel.
	SendBroadcast(msg *Message, channel string) error

	// SendAck transmits a delivery receipt back to a message's sender.
	SendAck(ack *Ack, peer PeerID) error

	// ConnectedPeers returns a snapshot of currently reachable peers.
	ConnectedPeers() []PeerID

	// IsRadioOn reports whether the radio is powered.
	IsRadioOn() bool
}
