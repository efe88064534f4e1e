// Package offerpool is the Offer Pool: it maintains a fixed
// number of outstanding offers, polls for answers, and refills the pool as
// offers are consumed. It drives the offerer side of internal/fsm.
package offerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/xtr-dev/rondevu-client/internal/fsm"
	"github.com/xtr-dev/rondevu-client/internal/signaling"
	"github.com/xtr-dev/rondevu-client/pkg/rtccap"
)

// Config parameterizes a Pool.
type Config struct {
	// PoolSize is the number of outstanding offers to maintain. Default 1.
	PoolSize int

	// Topics tags every offer published by this pool.
	Topics []string

	// OfferTTL is each offer's lifetime before the server expires it.
	OfferTTL time.Duration

	PollingInterval time.Duration
	FSM             fsm.Config
	ICE             rtccap.ICEConfig
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 2 * time.Second
	}
	return c
}

// Answered is delivered to onAnswered once an offer in the pool is matched
// with an answer.
type Answered struct {
	OfferID        string
	AnswererPeerID string
	AnsweredAt     time.Time
	DataChannel    *webrtc.DataChannel
	Peer           *fsm.Peer
}

type entry struct {
	peer *fsm.Peer

	// set once, by the poll tick that discovers this offer's answer.
	answererPeerID string
	answeredAt     time.Time
}

// Pool maintains exactly Config.PoolSize outstanding offers, refilling as
// they are consumed. It is driven entirely by its own poll loop goroutine;
// external callers only read results through callbacks.
type Pool struct {
	cfg     Config
	sc      *signaling.Client
	factory rtccap.Factory
	log     *slog.Logger

	onAnswered func(Answered)
	onError    func(err error, phase string)

	mu      sync.Mutex
	entries map[string]*entry
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Pool. onAnswered is called once per dispatched answer;
// onError is called for non-fatal refill failures.
func New(cfg Config, sc *signaling.Client, factory rtccap.Factory, log *slog.Logger, onAnswered func(Answered), onError func(err error, phase string)) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:        cfg.withDefaults(),
		sc:         sc,
		factory:    factory,
		log:        log.With("component", "offerpool"),
		onAnswered: onAnswered,
		onError:    onError,
		entries:    make(map[string]*entry),
	}
}

// Start creates PoolSize offers and begins the periodic answer poll.
func (p *Pool) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	if err := p.refill(runCtx, p.cfg.PoolSize); err != nil {
		cancel()
		return err
	}

	p.wg.Add(1)
	go p.pollLoop(runCtx)
	return nil
}

// Stop cancels the poll timer and closes any remaining underlying peer
// connections.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	p.wg.Wait()

	for _, e := range entries {
		_ = e.peer.Close()
	}
}

// Size reports the number of offers currently outstanding in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool) pollLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollingInterval)
	defer ticker.Stop()

	var watermark time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			answers, newWatermark, err := p.sc.GetAnswers(ctx, watermark)
			if err != nil {
				p.reportError(err, "poll")
				continue
			}
			watermark = newWatermark

			var dispatched int
			for _, a := range answers {
				// Remove the entry from the pool as soon as it is matched.
				// The peer's own
				// OnConnected callback -- registered at creation time in
				// refill -- delivers onAnswered once ICE actually
				// connects; this tick only updates bookkeeping and
				// triggers the resulting refill.
				p.mu.Lock()
				e, ok := p.entries[a.OfferID]
				if ok {
					e.answererPeerID = a.AnswererPeerID
					e.answeredAt = a.AnsweredAt
					delete(p.entries, a.OfferID)
				}
				p.mu.Unlock()
				if !ok {
					continue // not one of ours, or already dispatched
				}
				dispatched++
			}

			if dispatched == 0 {
				continue
			}
			if refillErr := p.refill(ctx, dispatched); refillErr != nil {
				p.reportError(refillErr, "refill")
			}
		}
	}
}

// refill issues up to n new offers in parallel: every attempt runs to completion regardless of
// whether its siblings failed, and the pool never exceeds PoolSize.
func (p *Pool) refill(ctx context.Context, n int) error {
	p.mu.Lock()
	room := p.cfg.PoolSize - len(p.entries)
	p.mu.Unlock()
	if n > room {
		n = room
	}
	if n <= 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peer := fsm.NewPeer(p.cfg.FSM, p.sc, p.factory, p.cfg.ICE, p.log)
			if err := peer.StartOfferer(ctx, p.cfg.Topics, p.cfg.OfferTTL); err != nil {
				errs[i] = fmt.Errorf("creating replacement offer: %w", err)
				return
			}
			offerID := peer.OfferID()
			e := &entry{peer: peer}

			// Registered now, not when the poll later discovers the
			// answer: CONNECTED can fire before that next poll tick runs,
			// and a callback registered late would miss it.
			peer.OnConnected(func(dc *webrtc.DataChannel) {
				if p.onAnswered == nil {
					return
				}
				p.mu.Lock()
				answererPeerID, answeredAt := e.answererPeerID, e.answeredAt
				p.mu.Unlock()
				p.onAnswered(Answered{
					OfferID:        offerID,
					AnswererPeerID: answererPeerID,
					AnsweredAt:     answeredAt,
					DataChannel:    dc,
					Peer:           peer,
				})
			})

			p.mu.Lock()
			p.entries[offerID] = e
			p.mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err // first failure surfaces; siblings still ran to completion
		}
	}
	return nil
}

func (p *Pool) reportError(err error, phase string) {
	p.log.Warn("offer pool error", "phase", phase, "error", err)
	if p.onError != nil {
		p.onError(err, phase)
	}
}
