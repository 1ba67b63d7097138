package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/visio-labs/visio/internal/signaling"
)

// PeerState is the lifecycle of one remote peer's negotiation.
type PeerState string

const (
	PeerAbsent       PeerState = "absent"
	PeerNegotiating  PeerState = "negotiating"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
)

// terminal reports whether the state ends the session.
func (s PeerState) terminal() bool {
	return s == PeerDisconnected || s == PeerFailed
}

// PeerConnection is the slice of the host WebRTC implementation the
// negotiation state machine drives. The core never touches media; it only
// shuttles descriptions and candidates.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (signaling.SessionDescription, error)
	CreateAnswer(ctx context.Context) (signaling.SessionDescription, error)
	SetLocalDescription(desc signaling.SessionDescription) error
	SetRemoteDescription(desc signaling.SessionDescription) error
	AddICECandidate(candidate json.RawMessage) error

	// OnICECandidate registers the callback for locally gathered
	// candidates. The candidate payload is opaque to the caller.
	OnICECandidate(fn func(candidate json.RawMessage))

	// OnStateChange registers the callback for transport state changes,
	// already mapped onto PeerState.
	OnStateChange(fn func(state PeerState))

	Close() error
}

// PeerConnectionFactory builds one PeerConnection per remote peer.
type PeerConnectionFactory func() (PeerConnection, error)

// session is the per-remote-peer negotiation state. Sessions share
// nothing; a stalled negotiation with one peer cannot leak into another's.
type session struct {
	peerID string
	pc     PeerConnection

	mu    sync.Mutex
	state PeerState
}

func (s *session) setState(state PeerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *session) State() PeerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
