// Package durchannel implements the Durable Channel: a
// label-scoped logical channel whose queue survives the underlying
// RTCDataChannel being replaced across a reconnection. internal/durconn
// creates one Channel per label and re-attaches it to a fresh DataChannel
// whenever the underlying peer connection is replaced.
package durchannel

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/xtr-dev/rondevu-client/internal/buffer"
	"github.com/xtr-dev/rondevu-client/internal/signaling"
)

// State is a Channel's attach lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config parameterizes a Channel. MaxQueueSize and MaxMessageAge are
// pointers so an explicit zero (queue size 0, no age limit) is
// distinguishable from an unset field that should take the package
// default; see internal/buffer.Config for the same convention.
type Config struct {
	MaxQueueSize  *int
	MaxMessageAge *time.Duration

	// Ordered and MaxRetransmits are DataChannelInit options internal/durconn
	// passes when it (re-)creates the underlying data channel for this
	// label; Channel itself only carries them through.
	Ordered        bool
	MaxRetransmits *uint16

	// HighWaterMark/LowWaterMark bound flush backpressure: flush pauses once BufferedAmount exceeds HighWaterMark and
	// resumes once it drops back below LowWaterMark.
	HighWaterMark uint64
	LowWaterMark  uint64
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize == nil {
		n := 1000
		c.MaxQueueSize = &n
	}
	if c.MaxMessageAge == nil {
		d := 60 * time.Second
		c.MaxMessageAge = &d
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 1 << 20 // 1 MiB
	}
	if c.LowWaterMark == 0 {
		c.LowWaterMark = c.HighWaterMark / 4
	}
	return c
}

// Channel is a durable, label-addressed logical channel. A single goroutine
// at a time ever mutates its state (the owning durconn.Connection's event
// loop, or a pion callback goroutine serialized by mu).
type Channel struct {
	label string
	cfg   Config
	buf   *buffer.Buffer

	onMessage     func(data []byte)
	onStateChange func(State)
	onError       func(error)
	onOverflow    func(count int)

	mu       sync.Mutex
	state    State
	dc       *webrtc.DataChannel
	gen      int // incremented on every Attach/Detach; stale callbacks no-op
	flushing bool
}

// New constructs a Channel in CONNECTING state with an empty queue.
func New(label string, cfg Config) *Channel {
	cfg = cfg.withDefaults()
	c := &Channel{label: label, cfg: cfg, state: StateConnecting}
	c.buf = buffer.New(buffer.Config{MaxQueueSize: cfg.MaxQueueSize, MaxMessageAge: cfg.MaxMessageAge}, c.handleOverflow)
	return c
}

// Label returns the channel's label.
func (c *Channel) Label() string { return c.label }

// OnMessage registers the callback invoked for every inbound message.
func (c *Channel) OnMessage(f func(data []byte)) { c.onMessage = f }

// OnStateChange registers the callback invoked on every state transition.
func (c *Channel) OnStateChange(f func(State)) { c.onStateChange = f }

// OnError registers the callback invoked when a flush or direct send fails.
func (c *Channel) OnError(f func(error)) { c.onError = f }

// OnOverflow registers the callback invoked when enqueue drops messages for
// exceeding MaxQueueSize.
func (c *Channel) OnOverflow(f func(count int)) { c.onOverflow = f }

// State reports the channel's current attach lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send sends directly while OPEN, transparently enqueues otherwise, and
// returns ClosedError once the channel is closed.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	state, dc := c.state, c.dc
	c.mu.Unlock()

	if state == StateOpen && dc != nil {
		if err := dc.Send(data); err != nil {
			c.buf.PushFront(buffer.Message{Data: data, EnqueuedAt: time.Now()})
			c.reportError(err)
			return err
		}
		return nil
	}
	if state == StateClosed {
		return &signaling.ClosedError{Label: c.label}
	}
	return c.buf.Enqueue(time.Now(), buffer.Message{Data: data, EnqueuedAt: time.Now()})
}

// Attach detaches any previous underlying channel (without closing it -- the peer connection
// owns that lifecycle), wires the new one's events, and synthesizes an
// "open" transition if it is already open.
func (c *Channel) Attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() { c.onOpen(gen) })
	dc.OnClose(func() { c.onClose(gen) })
	dc.OnError(func(err error) {
		if c.current(gen) {
			c.reportError(err)
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.onMessage != nil && c.current(gen) {
			c.onMessage(msg.Data)
		}
	})
	dc.SetBufferedAmountLowThreshold(c.cfg.LowWaterMark)
	dc.OnBufferedAmountLow(func() { c.flush(gen) })

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.onOpen(gen)
	}
}

// Detach removes this channel's subscription from its current underlying
// data channel without closing it, regressing to CONNECTING if not already
// closing/closed. internal/durconn calls this when the owning peer
// connection is about to be replaced.
func (c *Channel) Detach() {
	c.mu.Lock()
	c.gen++
	c.dc = nil
	closing := c.state == StateClosing || c.state == StateClosed
	c.mu.Unlock()
	if !closing {
		c.setState(StateConnecting)
	}
}

// current reports whether gen still identifies the attached data channel.
func (c *Channel) current(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Channel) onOpen(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setState(StateOpen)
	c.flush(gen)
}

func (c *Channel) onClose(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	closing := c.state == StateClosing || c.state == StateClosed
	c.mu.Unlock()
	if !closing {
		c.setState(StateConnecting)
	}
}

// flush drains the queue in insertion order, respecting backpressure.
// It is single-flight: a flush already in progress (on this
// goroutine or triggered again by OnBufferedAmountLow) is a no-op.
func (c *Channel) flush(gen int) {
	c.mu.Lock()
	if c.flushing || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.flushing = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		dc, state := c.dc, c.state
		stale := gen != c.gen
		c.mu.Unlock()
		if stale || state != StateOpen || dc == nil {
			return
		}
		if dc.BufferedAmount() > c.cfg.HighWaterMark {
			return // resumes via OnBufferedAmountLow
		}

		msg, ok := c.buf.PopFront()
		if !ok {
			return
		}
		if err := dc.Send(msg.Data); err != nil {
			c.buf.PushFront(msg)
			c.reportError(err)
			return
		}
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

func (c *Channel) handleOverflow(dropped []buffer.Message) {
	if c.onOverflow != nil {
		c.onOverflow(len(dropped))
	}
}

func (c *Channel) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// Close marks the channel CLOSED, detaches from any underlying data
// channel (without closing it), and fails the buffer so further Sends
// return ClosedError.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.dc = nil
	c.state = StateClosed
	c.mu.Unlock()

	c.buf.Close()
	if c.onStateChange != nil {
		c.onStateChange(StateClosed)
	}
}
