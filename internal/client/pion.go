package client

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/visio-labs/visio/internal/signaling"
)

// DefaultICEServers is the STUN set the reference deployment uses.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}
}

// NewPionFactory builds PeerConnections on pion/webrtc, the host WebRTC
// implementation. Media/track setup stays with the caller via configure,
// which may be nil; the signaling core never touches media.
func NewPionFactory(cfg webrtc.Configuration, configure func(*webrtc.PeerConnection) error) PeerConnectionFactory {
	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		if configure != nil {
			if err := configure(pc); err != nil {
				pc.Close()
				return nil, err
			}
		}
		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer(_ context.Context) (signaling.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *pionPeer) CreateAnswer(_ context.Context) (signaling.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *pionPeer) SetLocalDescription(desc signaling.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *pionPeer) SetRemoteDescription(desc signaling.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *pionPeer) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return err
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) OnICECandidate(fn func(candidate json.RawMessage)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering.
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(payload)
	})
}

func (p *pionPeer) OnStateChange(fn func(state PeerState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapPionState(s))
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func fromPion(desc webrtc.SessionDescription) signaling.SessionDescription {
	return signaling.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(desc signaling.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func mapPionState(s webrtc.PeerConnectionState) PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return PeerConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
		return PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PeerFailed
	default:
		return PeerNegotiating
	}
}
