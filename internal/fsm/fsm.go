// Package fsm is the Peer Connection FSM: the state machine
// driving one RTCPeerConnection from creation through offer/answer exchange,
// ICE trickle, and into CONNECTED or FAILED. Per the capability-interface
// redesign, states are a single enum with one transition function
// rather than a class per state, and events are handled through statically
// typed callbacks rather than a dynamic emit().
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/xtr-dev/rondevu-client/internal/signaling"
	"github.com/xtr-dev/rondevu-client/pkg/protocol"
	"github.com/xtr-dev/rondevu-client/pkg/rtccap"
)

// State is one of the Peer Connection FSM's states.
type State int

const (
	StateIdle State = iota
	StateCreatingOffer
	StateWaitingForAnswer
	StateAnswering
	StateExchangingICE
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCreatingOffer:
		return "CREATING_OFFER"
	case StateWaitingForAnswer:
		return "WAITING_FOR_ANSWER"
	case StateAnswering:
		return "ANSWERING"
	case StateExchangingICE:
		return "EXCHANGING_ICE"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config parameterizes a Peer's timeouts and polling cadence.
type Config struct {
	// DataChannelLabel is the label used for the offerer-created data
	// channel. Ignored on the answerer path, which takes whatever label
	// arrives via OnDataChannel.
	DataChannelLabel string

	PollingInterval      time.Duration
	AnswerTimeout        time.Duration
	ICEConnectionTimeout time.Duration
	ICEGracePeriod       time.Duration
}

func (c Config) withDefaults() Config {
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = "rondevu"
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 2 * time.Second
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 30 * time.Second
	}
	if c.ICEConnectionTimeout <= 0 {
		c.ICEConnectionTimeout = 30 * time.Second
	}
	if c.ICEGracePeriod <= 0 {
		c.ICEGracePeriod = 5 * time.Second
	}
	return c
}

// Peer drives one RTCPeerConnection through the FSM. It owns a single
// underlying capability PeerConnection for its entire lifetime; a new
// connection attempt (e.g. on reconnect) uses a new Peer.
type Peer struct {
	cfg      Config
	log      *slog.Logger
	sc       *signaling.Client
	factory  rtccap.Factory
	ice      rtccap.ICEConfig

	onStateChange      func(State)
	onConnected        func(dc *webrtc.DataChannel)
	onFailed           func(error)
	onExtraDataChannel func(dc *webrtc.DataChannel)

	mu             sync.Mutex
	state          State
	pc             rtccap.PeerConnection
	role           protocol.Role
	offerID        string
	dc             *webrtc.DataChannel
	remoteSet      bool
	pendingRemote  []webrtc.ICECandidateInit
	pendingLocal   []protocol.IceCandidateRecord
	seenCandidates map[string]bool
	answerWatermark time.Time
	iceWatermark    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPeer constructs a Peer. None of the network-facing work happens until
// StartOfferer or StartAnswerer is called.
func NewPeer(cfg Config, sc *signaling.Client, factory rtccap.Factory, ice rtccap.ICEConfig, log *slog.Logger) *Peer {
	if log == nil {
		log = slog.Default()
	}
	return &Peer{
		cfg:            cfg.withDefaults(),
		log:            log.With("component", "fsm"),
		sc:             sc,
		factory:        factory,
		ice:            ice,
		seenCandidates: make(map[string]bool),
		done:           make(chan struct{}),
	}
}

// OnStateChange registers a callback invoked after every state transition.
// State() already reflects the new value when this fires.
func (p *Peer) OnStateChange(f func(State)) { p.onStateChange = f }

// OnConnected registers a callback invoked once, when CONNECTED is entered.
func (p *Peer) OnConnected(f func(dc *webrtc.DataChannel)) { p.onConnected = f }

// OnFailed registers a callback invoked once, when FAILED is entered.
func (p *Peer) OnFailed(f func(error)) { p.onFailed = f }

// OnDataChannelReceived registers a callback for inbound data channels
// other than the default control channel (cfg.DataChannelLabel) -- the
// answerer-side hook internal/durconn uses to match additional channels
// created by the peer by label.
func (p *Peer) OnDataChannelReceived(f func(dc *webrtc.DataChannel)) { p.onExtraDataChannel = f }

// PeerConnection returns the underlying capability PeerConnection, once
// StartOfferer/StartAnswerer has created it. internal/durconn uses this to
// create additional, non-default-labeled data channels directly -- opening
// a new data channel on an already-negotiated connection needs no further
// SDP exchange.
func (p *Peer) PeerConnection() rtccap.PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pc
}

// State returns the current FSM state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OfferID returns the offer id this Peer is driving, once known.
func (p *Peer) OfferID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offerID
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.onStateChange != nil {
		p.onStateChange(s)
	}
}

func (p *Peer) fail(err error) {
	p.mu.Lock()
	if p.state == StateFailed || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateFailed
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.log.Error("peer connection failed", "error", err)
	if p.onStateChange != nil {
		p.onStateChange(StateFailed)
	}
	if p.onFailed != nil {
		p.onFailed(err)
	}
	p.closeDone()
}

func (p *Peer) closeDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Done returns a channel closed once the Peer reaches FAILED or CLOSED.
func (p *Peer) Done() <-chan struct{} { return p.done }

// StartOfferer drives the offerer path:
// IDLE → CREATING_OFFER → WAITING_FOR_ANSWER → EXCHANGING_ICE → CONNECTED.
// topics tags the published offer for discovery; ttl is the offer's
// lifetime before the server expires it.
func (p *Peer) StartOfferer(ctx context.Context, topics []string, ttl time.Duration) error {
	p.mu.Lock()
	p.role = protocol.RoleOfferer
	p.mu.Unlock()
	p.setState(StateCreatingOffer)

	pc, err := p.factory.NewPeerConnection(p.ice)
	if err != nil {
		p.fail(err)
		return err
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()
	p.attachSharedHandlers(pc)

	dc, err := pc.CreateDataChannel(p.cfg.DataChannelLabel, nil)
	if err != nil {
		err = fmt.Errorf("creating data channel: %w", err)
		p.fail(err)
		return err
	}
	p.setupDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		err = fmt.Errorf("creating offer: %w", err)
		p.fail(err)
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		err = fmt.Errorf("setting local description: %w", err)
		p.fail(err)
		return err
	}

	offers, err := p.sc.CreateOffers(ctx, []signaling.OfferRequest{{SDP: offer.SDP, Topics: topics, TTL: ttl}})
	if err != nil {
		p.fail(err)
		return err
	}
	if len(offers) == 0 {
		err = errors.New("server returned no offers")
		p.fail(err)
		return err
	}
	p.mu.Lock()
	p.offerID = offers[0].ID
	queued := p.pendingLocal
	p.pendingLocal = nil
	p.mu.Unlock()
	for _, rec := range queued {
		p.postLocalCandidate(offers[0].ID, rec)
	}

	p.setState(StateWaitingForAnswer)

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.pollForAnswer(runCtx)
	go p.pollRemoteCandidates(runCtx)
	go p.armICEConnectionTimeout(runCtx)

	return nil
}

// StartAnswerer drives the answerer path: the
// ondatachannel handler is attached before the remote offer is set, so an
// inbound channel arriving immediately after SetRemoteDescription is never
// dropped.
func (p *Peer) StartAnswerer(ctx context.Context, offerID, offerSDP string) error {
	p.mu.Lock()
	p.role = protocol.RoleAnswerer
	p.offerID = offerID
	p.mu.Unlock()
	p.setState(StateAnswering)

	pc, err := p.factory.NewPeerConnection(p.ice)
	if err != nil {
		p.fail(err)
		return err
	}
	p.mu.Lock()
	p.pc = pc
	p.mu.Unlock()
	p.attachSharedHandlers(pc)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		err = fmt.Errorf("setting remote offer: %w", err)
		p.fail(err)
		return err
	}
	p.applyQueuedCandidates()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		err = fmt.Errorf("creating answer: %w", err)
		p.fail(err)
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		err = fmt.Errorf("setting local description: %w", err)
		p.fail(err)
		return err
	}

	if _, err := p.sc.AnswerOffer(ctx, offerID, answer.SDP); err != nil {
		p.fail(err)
		return err
	}

	p.setState(StateExchangingICE)

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.pollRemoteCandidates(runCtx)
	go p.armICEConnectionTimeout(runCtx)

	return nil
}

// attachSharedHandlers wires the local-candidate trickle and connection
// state callbacks common to both offerer and answerer.
func (p *Peer) attachSharedHandlers(pc rtccap.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-gathering sentinel; not posted.
		}
		rec := protocol.IceCandidateRecord{
			Candidate: c.ToJSON().Candidate,
			SDPMid:    derefString(c.ToJSON().SDPMid),
			CreatedAt: time.Now().UTC(),
		}

		// Gathering can start (via SetLocalDescription) before offerID is
		// known -- the offerer only learns it from the CreateOffers
		// response, which comes after. Queue until postLocalCandidate has
		// something to address the POST to.
		p.mu.Lock()
		rec.Role = p.role
		offerID := p.offerID
		if offerID == "" {
			p.pendingLocal = append(p.pendingLocal, rec)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		p.postLocalCandidate(offerID, rec)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateFailed:
			p.fail(errors.New("underlying peer connection entered failed state"))
		case webrtc.PeerConnectionStateConnected:
			p.maybeTransitionConnected()
		}
	})

	// Registered unconditionally, before any description is set, so an
	// inbound channel can never arrive before the handler attaches --
	// otherwise it may arrive and be dropped before anyone is listening.
	// The offerer role never receives its own default channel
	// this way -- it created that one locally -- but it may still receive
	// extra channels the other side opens after connecting, which is what onExtraDataChannel
	// is for.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if p.role == protocol.RoleAnswerer && dc.Label() == p.cfg.DataChannelLabel {
			p.setupDataChannel(dc)
			return
		}
		if p.onExtraDataChannel != nil {
			p.onExtraDataChannel(dc)
		}
	})
}

func (p *Peer) postLocalCandidate(offerID string, rec protocol.IceCandidateRecord) {
	if err := p.sc.AddIceCandidates(context.Background(), offerID, []protocol.IceCandidateRecord{rec}); err != nil {
		p.log.Warn("posting local ICE candidate failed", "error", err)
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()
	dc.OnOpen(func() {
		p.maybeTransitionConnected()
	})
}

// maybeTransitionConnected enters CONNECTED once both the underlying
// connection state is "connected" and the data channel's ready-state is
// "open".
func (p *Peer) maybeTransitionConnected() {
	p.mu.Lock()
	if p.state == StateConnected || p.state == StateFailed || p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	pc := p.pc
	dc := p.dc
	p.mu.Unlock()

	if pc == nil || dc == nil {
		return
	}
	if pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		return
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel() // stop answer/ICE polling; a grace-period poller is armed separately.
	}
	p.mu.Unlock()
	p.setState(StateConnected)
	if p.onConnected != nil {
		p.onConnected(dc)
	}

	// ICE polling continues for a short grace period to catch late relay
	// candidates.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ICEGracePeriod)
		defer cancel()
		p.pollRemoteCandidates(ctx)
	}()
}

// pollForAnswer implements the offerer's WAITING_FOR_ANSWER polling and
// answer-timeout.
func (p *Peer) pollForAnswer(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollingInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(p.cfg.AnswerTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			p.fail(&signaling.TimeoutError{Phase: "waitingForAnswer"})
			return
		case <-ticker.C:
			p.mu.Lock()
			offerID := p.offerID
			since := p.answerWatermark
			p.mu.Unlock()

			answers, newWatermark, err := p.sc.GetAnswers(ctx, since)
			if err != nil {
				p.log.Warn("polling for answer failed", "error", err)
				continue
			}
			p.mu.Lock()
			p.answerWatermark = newWatermark
			p.mu.Unlock()

			for _, a := range answers {
				if a.OfferID != offerID {
					continue
				}
				p.handleAnswer(a.SDP)
				return
			}
		}
	}
}

// handleAnswer applies the first matching answer; later answers for the
// same offer are ignored because this is only
// called once (the poll loop returns immediately after).
func (p *Peer) handleAnswer(sdp string) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		p.fail(fmt.Errorf("setting remote answer: %w", err))
		return
	}
	p.applyQueuedCandidates()
	p.setState(StateExchangingICE)
}

// pollRemoteCandidates implements the shared ICE-exchange remote poll:
// candidates are filtered to the
// opposite role, deduplicated by candidate string, and queued if the
// remote description is not yet set.
func (p *Peer) pollRemoteCandidates(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			offerID := p.offerID
			since := p.iceWatermark
			localRole := p.role
			p.mu.Unlock()
			if offerID == "" {
				continue
			}

			records, err := p.sc.GetIceCandidates(ctx, offerID, since)
			if err != nil {
				p.log.Warn("polling ICE candidates failed", "error", err)
				continue
			}

			for _, rec := range records {
				if rec.Role == localRole {
					continue // only the opposite role's candidates apply here
				}
				p.mu.Lock()
				if rec.CreatedAt.After(p.iceWatermark) {
					p.iceWatermark = rec.CreatedAt
				}
				dup := p.seenCandidates[rec.Candidate]
				if !dup {
					p.seenCandidates[rec.Candidate] = true
				}
				p.mu.Unlock()
				if dup {
					continue
				}
				p.applyOrQueueCandidate(webrtc.ICECandidateInit{Candidate: rec.Candidate, SDPMid: strPtr(rec.SDPMid)})
			}
		}
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// applyOrQueueCandidate applies a remote candidate immediately if the
// remote description has been set, otherwise queues it.
func (p *Peer) applyOrQueueCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	pc := p.pc
	ready := p.remoteSet
	if !ready {
		p.pendingRemote = append(p.pendingRemote, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		p.log.Warn("adding remote ICE candidate failed", "error", err)
	}
}

func (p *Peer) applyQueuedCandidates() {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	pc := p.pc
	p.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			p.log.Warn("adding queued ICE candidate failed", "error", err)
		}
	}
}

// armICEConnectionTimeout fires FAILED if CONNECTED is not reached within
// ICEConnectionTimeout.
func (p *Peer) armICEConnectionTimeout(ctx context.Context) {
	timer := time.NewTimer(p.cfg.ICEConnectionTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		p.mu.Lock()
		reached := p.state == StateConnected || p.state == StateFailed || p.state == StateClosed
		p.mu.Unlock()
		if !reached {
			p.fail(&signaling.TimeoutError{Phase: "iceConnection"})
		}
	}
}

// Close cancels all polling and closes the underlying peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateClosed
	if p.cancel != nil {
		p.cancel()
	}
	pc := p.pc
	p.mu.Unlock()

	p.closeDone()
	if p.onStateChange != nil {
		p.onStateChange(StateClosed)
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}
