package durchannel

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func ptr[T any](v T) *T { return &v }

// newConnectedDataChannelPair builds two loopback pion PeerConnections (host
// candidates only, no STUN/TURN needed) and returns their data channels once
// both sides have opened, mirroring pkg/rtccap's test helper.
func newConnectedDataChannelPair(t *testing.T, label string) (local, remote *webrtc.DataChannel, closeAll func()) {
	t.Helper()

	offerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection(offerer) error: %v", err)
	}
	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection(answerer) error: %v", err)
	}

	toAnswerer := make(chan *webrtc.ICECandidate, 16)
	toOfferer := make(chan *webrtc.ICECandidate, 16)
	offerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			toAnswerer <- c
		}
	})
	answerer.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			toOfferer <- c
		}
	})

	remoteCh := make(chan *webrtc.DataChannel, 1)
	answerer.OnDataChannel(func(dc *webrtc.DataChannel) { remoteCh <- dc })

	dc, err := offerer.CreateDataChannel(label, nil)
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

	trickleDone := make(chan struct{})
	go func() {
		defer close(trickleDone)
		deadline := time.After(5 * time.Second)
		for {
			select {
			case c := <-toAnswerer:
				_ = answerer.AddICECandidate(c.ToJSON())
			case c := <-toOfferer:
				_ = offerer.AddICECandidate(c.ToJSON())
			case <-deadline:
				return
			}
		}
	}()

	localOpen := make(chan struct{}, 1)
	dc.OnOpen(func() { localOpen <- struct{}{} })

	select {
	case <-localOpen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for local data channel to open")
	}

	var remoteDC *webrtc.DataChannel
	select {
	case remoteDC = <-remoteCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for remote data channel")
	}

	return dc, remoteDC, func() {
		_ = offerer.Close()
		_ = answerer.Close()
	}
}

func TestChannel_SendWhileConnectingQueues(t *testing.T) {
	t.Parallel()
	c := New("chat", Config{})

	if err := c.Send([]byte("A")); err != nil {
		t.Fatalf("Send() error = %v, want nil (should queue)", err)
	}
	if c.State() != StateConnecting {
		t.Errorf("State() = %v, want CONNECTING", c.State())
	}
}

func TestChannel_AttachFlushesQueuedMessages(t *testing.T) {
	t.Parallel()
	local, remote, closeAll := newConnectedDataChannelPair(t, "chat")
	defer closeAll()

	c := New("chat", Config{})
	_ = c.Send([]byte("A"))
	_ = c.Send([]byte("B"))

	received := make(chan string, 2)
	remote.OnMessage(func(msg webrtc.DataChannelMessage) { received <- string(msg.Data) })

	c.Attach(local)

	deadline := time.After(5 * time.Second)
	var got []string
	for len(got) < 2 {
		select {
		case m := <-received:
			got = append(got, m)
		case <-deadline:
			t.Fatalf("timed out waiting for flushed messages, got %v", got)
		}
	}
	if got[0] != "A" || got[1] != "B" {
		t.Errorf("received order = %v, want [A B]", got)
	}
	if c.State() != StateOpen {
		t.Errorf("State() after attach = %v, want OPEN", c.State())
	}
}

// TestChannel_SurvivesReattach exercises send while
// open, detach (simulating the underlying channel dropping), send while
// disconnected (queued), then reattach to a fresh data channel pair and
// confirm the peer observes every message exactly once, in order.
func TestChannel_SurvivesReattach(t *testing.T) {
	t.Parallel()

	localA, remoteA, closeA := newConnectedDataChannelPair(t, "chat")
	defer closeA()

	c := New("chat", Config{})

	var mu sync.Mutex
	var received []string
	remoteA.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		received = append(received, string(msg.Data))
		mu.Unlock()
	})

	c.Attach(localA)
	waitForState(t, c, StateOpen)

	if err := c.Send([]byte("A")); err != nil {
		t.Fatalf("Send(A) error = %v", err)
	}
	if err := c.Send([]byte("B")); err != nil {
		t.Fatalf("Send(B) error = %v", err)
	}
	waitForCount(t, &mu, &received, 2)

	c.Detach()
	if c.State() != StateConnecting {
		t.Errorf("State() after Detach() = %v, want CONNECTING", c.State())
	}

	if err := c.Send([]byte("C")); err != nil {
		t.Fatalf("Send(C) error = %v", err)
	}
	if c.State() != StateConnecting {
		t.Errorf("State() after queued Send() = %v, want CONNECTING", c.State())
	}

	localB, remoteB, closeB := newConnectedDataChannelPair(t, "chat")
	defer closeB()
	remoteB.OnMessage(func(msg webrtc.DataChannelMessage) {
		mu.Lock()
		received = append(received, string(msg.Data))
		mu.Unlock()
	})

	c.Attach(localB)
	waitForState(t, c, StateOpen)
	waitForCount(t, &mu, &received, 3)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"A", "B", "C"}
	for i, w := range want {
		if received[i] != w {
			t.Errorf("received[%d] = %q, want %q (full: %v)", i, received[i], w, received)
		}
	}
}

func TestChannel_CloseRejectsSend(t *testing.T) {
	t.Parallel()
	c := New("chat", Config{})
	c.Close()

	err := c.Send([]byte("A"))
	if err == nil {
		t.Fatal("Send() after Close() error = nil, want ClosedError")
	}
	if c.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED", c.State())
	}
}

func TestChannel_OverflowDropsOldestAndReportsCount(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var droppedTotal int
	c := New("chat", Config{MaxQueueSize: ptr(2)})
	c.OnOverflow(func(n int) {
		mu.Lock()
		droppedTotal += n
		mu.Unlock()
	})

	for _, m := range []string{"1", "2", "3", "4", "5"} {
		if err := c.Send([]byte(m)); err != nil {
			t.Fatalf("Send(%s) error = %v", m, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if droppedTotal != 3 {
		t.Errorf("droppedTotal = %d, want 3", droppedTotal)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[State]string{
		StateConnecting: "CONNECTING",
		StateOpen:       "OPEN",
		StateClosing:    "CLOSING",
		StateClosed:     "CLOSED",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func waitForState(t *testing.T, c *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("State() never reached %v, stuck at %v", want, c.State())
}

func waitForCount(t *testing.T, mu *sync.Mutex, received *[]string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(*received)
		mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("received count = %d, want >= %d (got %v)", len(*received), n, *received)
}
