package signaling

import (
	"encoding/json"
	"time"
)

// Type discriminates the signaling message union.
type Type string

const (
	TypeJoinRoom     Type = "join-room"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeLeaveRoom    Type = "leave-room"
	TypeChatMessage  Type = "chat-message"
)

// SessionDescription carries an SDP blob. The core never inspects the SDP
// itself; it only shuttles it between peers.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Message is one signaling payload. Variant-specific fields are omitted
// from the wire when unset.
type Message struct {
	Type Type `json:"type"`

	// TargetID addresses offer/answer/ice-candidate at one peer. An empty
	// target means broadcast.
	TargetID string `json:"targetId,omitempty"`

	// SDP is set on offer and answer.
	SDP *SessionDescription `json:"sdp,omitempty"`

	// Candidate is the browser/agent ICE candidate, kept opaque.
	Candidate json.RawMessage `json:"candidate,omitempty"`

	// Content is the chat-message body.
	Content string `json:"content,omitempty"`
}

// TargetedAt reports whether the message concerns the given user: either
// it is a broadcast or it names them explicitly.
func (m Message) TargetedAt(userID string) bool {
	return m.TargetID == "" || m.TargetID == userID
}

// Envelope is the published unit on a room channel.
type Envelope struct {
	SenderID  string  `json:"senderId"`
	Message   Message `json:"message"`
	Timestamp int64   `json:"timestamp"` // unix milliseconds
}

func NewEnvelope(senderID string, msg Message) Envelope {
	return Envelope{
		SenderID:  senderID,
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	}
}
