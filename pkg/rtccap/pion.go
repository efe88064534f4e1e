package rtccap

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PionFactory is the default, host-native Factory implementation, backed by
// github.com/pion/webrtc.
type PionFactory struct {
	// API is an optional custom webrtc.API (e.g. with a SettingEngine
	// configuring a proxy dialer for TURN-over-WebSocket). If nil, the
	// default pion API is used.
	API *webrtc.API
}

// NewPeerConnection constructs a pion RTCPeerConnection configured with the
// given ICE servers.
func (f PionFactory) NewPeerConnection(ice ICEConfig) (PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: ice.iceServers()}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if f.API != nil {
		pc, err = f.API.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return pc, nil
}
