// Package rtccap is the WebRTC Capability: a small interface
// wrapping the operations internal/fsm needs from an RTCPeerConnection and a
// factory that constructs one, plus the default pion-backed implementation.
package rtccap

import (
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of an RTCPeerConnection's surface the FSM
// drives: offer/answer creation, description setting, ICE
// candidate application, data channel creation, and the three callbacks.
// *webrtc.PeerConnection already satisfies this interface structurally.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (*webrtc.DataChannel, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnDataChannel(f func(*webrtc.DataChannel))
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// ICEConfig holds the STUN/TURN servers used for ICE NAT traversal.
type ICEConfig struct {
	// Servers is a list of ICE server URIs (e.g. "stun:stun.cloudflare.com:3478").
	Servers []string

	// Username/Credential authenticate against TURN servers, if any of
	// Servers requires long-term credentials.
	Username   string
	Credential string
}

func (c ICEConfig) iceServers() []webrtc.ICEServer {
	if len(c.Servers) == 0 {
		return nil
	}
	s := webrtc.ICEServer{URLs: c.Servers}
	if c.Username != "" {
		s.Username = c.Username
		s.Credential = c.Credential
	}
	return []webrtc.ICEServer{s}
}

// Factory constructs PeerConnections. PionFactory (pion.go) is the only
// implementation shipped here — the host-native one, backed by
// github.com/pion/webrtc. Tests exercise it with an empty ICEConfig, which
// restricts ICE gathering to local host candidates and lets two
// PeerConnections in the same test process connect without reaching the
// network.
type Factory interface {
	NewPeerConnection(ice ICEConfig) (PeerConnection, error)
}
