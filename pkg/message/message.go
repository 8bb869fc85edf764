// Package message defines the message values exchanged between transport
// layers and the receive queue used by the WebSocket client.
//
// A Message is a tagged payload: either user data (text or binary) or a
// control message (close, ping, pong) produced by the frame codec. Messages
// are handed off between layers and consumed once.
package message

import "unicode/utf8"

// Kind identifies the payload type of a Message.
type Kind int

const (
	// KindText is a UTF-8 text payload.
	KindText Kind = iota
	// KindBinary is an opaque binary payload.
	KindBinary
	// KindClose is a close control message. The payload, when present,
	// starts with a big-endian close code.
	KindClose
	// KindPing is a ping control message.
	KindPing
	// KindPong is a pong control message.
	KindPong
)

// String returns a human-readable name for the message kind.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "Text"
	case KindBinary:
		return "Binary"
	case KindClose:
		return "Close"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	default:
		return "Unknown"
	}
}

// IsControl returns true for close, ping, and pong messages.
func (k Kind) IsControl() bool {
	return k == KindClose || k == KindPing || k == KindPong
}

// Message is a tagged payload flowing through the transport stack.
// A text message's payload is valid UTF-8.
type Message struct {
	Kind    Kind
	Payload []byte
}

// NewText creates a text message. The string type guarantees the UTF-8
// invariant for locally produced messages; inbound text is validated by
// the frame codec.
func NewText(s string) *Message {
	return &Message{Kind: KindText, Payload: []byte(s)}
}

// NewBinary creates a binary message. The payload is not copied.
func NewBinary(p []byte) *Message {
	return &Message{Kind: KindBinary, Payload: p}
}

// NewControl creates a control message of the given kind.
func NewControl(kind Kind, payload []byte) *Message {
	return &Message{Kind: kind, Payload: payload}
}

// Size returns the payload size in bytes.
func (m *Message) Size() int {
	return len(m.Payload)
}

// Text returns the payload as a string.
func (m *Message) Text() string {
	return string(m.Payload)
}

// ValidText reports whether the payload is valid UTF-8.
func (m *Message) ValidText() bool {
	return utf8.Valid(m.Payload)
}
