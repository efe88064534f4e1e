package rtccap

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

// TestPionFactory_LocalOfferAnswer verifies that two PeerConnections built
// by PionFactory can complete an SDP offer/answer exchange and open a data
// channel using only local host candidates (no STUN/TURN required).
func TestPionFactory_LocalOfferAnswer(t *testing.T) {
	t.Parallel()

	factory := PionFactory{}

	offerer, err := factory.NewPeerConnection(ICEConfig{})
	if err != nil {
		t.Fatalf("NewPeerConnection(offerer) error: %v", err)
	}
	defer offerer.Close()

	answerer, err := factory.NewPeerConnection(ICEConfig{})
	if err != nil {
		t.Fatalf("NewPeerConnection(answerer) error: %v", err)
	}
	defer answerer.Close()

	candidatesToAnswerer := make(chan *webrtc.ICECandidate, 16)
	candidatesToOfferer := make(chan *webrtc.ICECandidate, 16)
	offerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			candidatesToAnswerer <- c
		}
	})
	answerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			candidatesToOfferer <- c
		}
	})

	dcOpenedOnAnswerer := make(chan *webrtc.DataChannel, 1)
	answerer.OnDataChannel(func(dc *webrtc.DataChannel) {
		dcOpenedOnAnswerer <- dc
	})

	dc, err := offerer.CreateDataChannel("rondevu", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel() error: %v", err)
	}

	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	if err := offerer.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription(offer) error: %v", err)
	}

	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatalf("SetRemoteDescription(offer) error: %v", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer() error: %v", err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription(answer) error: %v", err)
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription(answer) error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.After(5 * time.Second)
		for {
			select {
			case c := <-candidatesToAnswerer:
				_ = answerer.AddICECandidate(c.ToJSON())
			case c := <-candidatesToOfferer:
				_ = offerer.AddICECandidate(c.ToJSON())
			case <-deadline:
				return
			}
		}
	}()

	dcOpen := make(chan struct{}, 1)
	dc.OnOpen(func() { dcOpen <- struct{}{} })

	select {
	case <-dcOpen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for offerer data channel to open")
	}

	select {
	case remoteDC := <-dcOpenedOnAnswerer:
		if remoteDC.Label() != "rondevu" {
			t.Errorf("remote data channel label = %q, want rondevu", remoteDC.Label())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for answerer to receive data channel")
	}

	<-done
}
