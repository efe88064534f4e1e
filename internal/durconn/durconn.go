// Package durconn implements the Durable Connection: one
// logical session addressed by a service uuid or (username, serviceFqn),
// holding a set of labeled Durable Channels that survive the underlying
// peer connection being replaced across a reconnect. Connection always
// plays the answerer role against a service already published by a Durable Service.
package durconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/xtr-dev/rondevu-client/internal/backoff"
	"github.com/xtr-dev/rondevu-client/internal/durchannel"
	"github.com/xtr-dev/rondevu-client/internal/fsm"
	"github.com/xtr-dev/rondevu-client/internal/signaling"
	"github.com/xtr-dev/rondevu-client/pkg/protocol"
	"github.com/xtr-dev/rondevu-client/pkg/rtccap"
)

// State is a Connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DuplicateChannelError reports that CreateChannel was called with a label
// already in use on this Connection.
type DuplicateChannelError struct {
	Label string
}

func (e *DuplicateChannelError) Error() string {
	return fmt.Sprintf("channel %q already exists", e.Label)
}

// Target addresses the service this Connection connects to: either a
// server-assigned uuid, or a (username, serviceFqn) pair resolved to one.
type Target struct {
	UUID       string
	Username   string
	ServiceFQN string
}

// Config parameterizes a Connection. ReconnectJitter, MaxQueueSize and
// MaxMessageAge are pointers so an explicit zero (no jitter, unbounded
// per-enqueue drop at size 0, no age limit) is distinguishable from an
// unset field that should take the package default.
type Config struct {
	MaxReconnectAttempts int
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration
	ReconnectJitter      *float64
	ConnectionTimeout    time.Duration
	MaxQueueSize         *int
	MaxMessageAge        *time.Duration

	ICE rtccap.ICEConfig
	FSM fsm.Config
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectBackoffBase <= 0 {
		c.ReconnectBackoffBase = time.Second
	}
	if c.ReconnectBackoffMax <= 0 {
		c.ReconnectBackoffMax = 30 * time.Second
	}
	if c.ReconnectJitter == nil {
		j := 0.2
		c.ReconnectJitter = &j
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.MaxQueueSize == nil {
		n := 1000
		c.MaxQueueSize = &n
	}
	if c.MaxMessageAge == nil {
		d := 60 * time.Second
		c.MaxMessageAge = &d
	}
	return c
}

// Connection owns one logical session and its labeled Durable Channels.
// Exactly one goroutine at a time drives its FSM-facing peer (its own
// Connect/reconnect call); channel lookups and state reads are guarded by
// mu.
type Connection struct {
	cfg     Config
	sc      *signaling.Client
	factory rtccap.Factory
	target  Target
	log     *slog.Logger

	onStateChange func(State)
	onFailed      func(err error, permanent bool)

	mu       sync.Mutex
	state    State
	closed   bool
	peer     *fsm.Peer
	channels map[string]*durchannel.Channel
	chanOpts map[string]durchannel.Config
	sched    *backoff.Scheduler
}

// New constructs a Connection. Connect must be called to establish the
// session.
func New(cfg Config, sc *signaling.Client, factory rtccap.Factory, target Target, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		cfg:      cfg.withDefaults(),
		sc:       sc,
		factory:  factory,
		target:   target,
		log:      log.With("component", "durconn"),
		channels: make(map[string]*durchannel.Channel),
		chanOpts: make(map[string]durchannel.Config),
	}
}

// OnStateChange registers a callback invoked after every state transition.
func (c *Connection) OnStateChange(f func(State)) { c.onStateChange = f }

// OnFailed registers a callback invoked once reconnection is permanently
// exhausted.
func (c *Connection) OnFailed(f func(err error, permanent bool)) { c.onFailed = f }

// State returns the Connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Channel returns a previously created Durable Channel by label, or nil.
func (c *Connection) Channel(label string) *durchannel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[label]
}

// Connect resolves the target service, answers its published offer, and
// waits (bounded by ConnectionTimeout) for the peer connection FSM to reach
// CONNECTED. On success, all declared channels are
// (re-)attached and future underlying failures trigger reconnection
// automatically; Connect itself is not retried internally on first failure
// -- callers decide whether to call it again.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &signaling.StateError{Op: "connect", State: "CLOSED"}
	}
	c.mu.Unlock()
	c.setState(StateConnecting)

	offerID, offerSDP, err := c.resolveOffer(ctx)
	if err != nil {
		return err
	}

	peer := fsm.NewPeer(c.cfg.FSM, c.sc, c.factory, c.cfg.ICE, c.log)
	connected := make(chan *webrtc.DataChannel, 1)
	failed := make(chan error, 1)
	peer.OnConnected(func(dc *webrtc.DataChannel) { connected <- dc })
	peer.OnFailed(func(err error) { failed <- err })
	peer.OnDataChannelReceived(func(dc *webrtc.DataChannel) { c.handlePeerDataChannel(dc) })

	if err := peer.StartAnswerer(ctx, offerID, offerSDP); err != nil {
		return err
	}

	select {
	case <-connected:
	case err := <-failed:
		return err
	case <-time.After(c.cfg.ConnectionTimeout):
		_ = peer.Close()
		return &signaling.TimeoutError{Phase: "connectionTimeout"}
	case <-ctx.Done():
		_ = peer.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	go c.watchDisconnect(peer)
	c.attachAllChannels()
	c.setState(StateConnected)
	return nil
}

// CreateChannel declares a labeled Durable Channel. If the Connection is currently CONNECTED, the
// underlying data channel is created and attached immediately; otherwise
// attachment happens automatically at the next CONNECTED transition.
func (c *Connection) CreateChannel(label string, opts durchannel.Config) (*durchannel.Channel, error) {
	c.mu.Lock()
	if _, exists := c.channels[label]; exists {
		c.mu.Unlock()
		return nil, &DuplicateChannelError{Label: label}
	}
	if opts.MaxQueueSize == nil {
		opts.MaxQueueSize = c.cfg.MaxQueueSize
	}
	if opts.MaxMessageAge == nil {
		opts.MaxMessageAge = c.cfg.MaxMessageAge
	}
	ch := durchannel.New(label, opts)
	c.channels[label] = ch
	c.chanOpts[label] = opts
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.attachOutboundChannel(label); err != nil {
			c.log.Warn("creating data channel failed", "label", label, "error", err)
		}
	}
	return ch, nil
}

// Close cancels any pending reconnection, closes every channel and the
// underlying peer connection, and marks the Connection CLOSED.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.sched != nil {
		c.sched.Cancel()
	}
	peer := c.peer
	channels := make([]*durchannel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	if peer != nil {
		_ = peer.Close()
	}
	c.setState(StateClosed)
}

func (c *Connection) resolveOffer(ctx context.Context) (offerID, sdp string, err error) {
	svc, err := c.resolveService(ctx)
	if err != nil {
		return "", "", err
	}
	if svc == nil {
		id := c.target.UUID
		if id == "" {
			id = c.target.Username + "/" + c.target.ServiceFQN
		}
		return "", "", &signaling.NotFoundError{Resource: "service", ID: id}
	}
	offer, err := c.sc.GetOffer(ctx, svc.OfferID)
	if err != nil {
		return "", "", err
	}
	return offer.ID, offer.SDP, nil
}

func (c *Connection) resolveService(ctx context.Context) (*protocol.Service, error) {
	if c.target.UUID != "" {
		return c.sc.GetServiceByUUID(ctx, c.target.UUID)
	}
	return c.sc.GetServiceByFQN(ctx, c.target.Username, c.target.ServiceFQN)
}

// watchDisconnect blocks until peer reaches FAILED or CLOSED, then triggers
// reconnection unless this Connection has since been replaced or closed.
func (c *Connection) watchDisconnect(peer *fsm.Peer) {
	<-peer.Done()
	c.mu.Lock()
	if c.closed || c.peer != peer {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.handleDisconnect()
}

func (c *Connection) handleDisconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, ch := range c.channels {
		ch.Detach()
	}
	c.peer = nil
	if c.sched == nil {
		c.sched = backoff.NewScheduler(backoff.Config{
			Base:        c.cfg.ReconnectBackoffBase,
			Max:         c.cfg.ReconnectBackoffMax,
			Jitter:      c.cfg.ReconnectJitter,
			MaxAttempts: c.cfg.MaxReconnectAttempts,
		})
	}
	sched := c.sched
	c.mu.Unlock()

	c.setState(StateReconnecting)
	sched.Schedule(c.attemptReconnect, c.reconnectExhausted)
}

func (c *Connection) attemptReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectionTimeout)
	defer cancel()

	c.mu.Lock()
	sched := c.sched
	c.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		c.log.Warn("reconnect attempt failed", "error", err)
		if sched != nil {
			sched.Schedule(c.attemptReconnect, c.reconnectExhausted) // arm the next attempt
		}
		return
	}
	if sched != nil {
		sched.Reset()
	}
}

func (c *Connection) reconnectExhausted() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.setState(StateFailed)
	if c.onFailed != nil {
		c.onFailed(errors.New("reconnect attempts exhausted"), true)
	}
}

// attachAllChannels (re-)creates the underlying data channel for every
// declared label and attaches it, for channels this Connection created.
func (c *Connection) attachAllChannels() {
	c.mu.Lock()
	labels := make([]string, 0, len(c.channels))
	for label := range c.channels {
		if _, created := c.chanOpts[label]; created {
			labels = append(labels, label)
		}
	}
	c.mu.Unlock()

	for _, label := range labels {
		if err := c.attachOutboundChannel(label); err != nil {
			c.log.Warn("attaching durable channel failed", "label", label, "error", err)
		}
	}
}

func (c *Connection) attachOutboundChannel(label string) error {
	c.mu.Lock()
	peer := c.peer
	ch := c.channels[label]
	opts := c.chanOpts[label]
	c.mu.Unlock()
	if peer == nil || ch == nil {
		return errors.New("not connected")
	}
	pc := peer.PeerConnection()
	if pc == nil {
		return errors.New("peer connection not ready")
	}
	dc, err := pc.CreateDataChannel(label, dataChannelInit(opts))
	if err != nil {
		return fmt.Errorf("creating data channel %q: %w", label, err)
	}
	ch.Attach(dc)
	return nil
}

// handlePeerDataChannel matches an inbound data channel to a declared
// channel by label, auto-creating and tracking one if the label is
// unknown.
func (c *Connection) handlePeerDataChannel(dc *webrtc.DataChannel) {
	label := dc.Label()
	c.mu.Lock()
	ch, ok := c.channels[label]
	if !ok {
		ch = durchannel.New(label, durchannel.Config{MaxQueueSize: c.cfg.MaxQueueSize, MaxMessageAge: c.cfg.MaxMessageAge})
		c.channels[label] = ch
	}
	c.mu.Unlock()
	ch.Attach(dc)
}

func dataChannelInit(cfg durchannel.Config) *webrtc.DataChannelInit {
	ordered := cfg.Ordered
	init := &webrtc.DataChannelInit{Ordered: &ordered}
	if cfg.MaxRetransmits != nil {
		init.MaxRetransmits = cfg.MaxRetransmits
	}
	return init
}

func (c *Connection) setState(s State) {
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
