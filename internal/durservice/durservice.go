// Package durservice implements the Durable Service: the
// offerer-side wrapper around an Offer Pool that publishes a signed service
// under a claimed username, refreshes its TTL before expiry by publishing
// the service again (the earlier publication is not deleted first, and the
// running Offer Pool is kept rather than recreated), and surfaces every new
// incoming connection as a
// (DurableChannel, connectionId) pair wrapping one of the pool's answered
// offers.
package durservice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/xtr-dev/rondevu-client/internal/backoff"
	"github.com/xtr-dev/rondevu-client/internal/durchannel"
	"github.com/xtr-dev/rondevu-client/internal/fsm"
	"github.com/xtr-dev/rondevu-client/internal/offerpool"
	"github.com/xtr-dev/rondevu-client/internal/signaling"
	"github.com/xtr-dev/rondevu-client/pkg/cryptocap"
	"github.com/xtr-dev/rondevu-client/pkg/protocol"
	"github.com/xtr-dev/rondevu-client/pkg/rtccap"
)

// Config parameterizes a Service.
type Config struct {
	Username   string
	PublicKey  string // hex-encoded ed25519 public key, already claimed for Username
	PrivateKey string // hex-encoded ed25519 private key (pkg/cryptocap)
	ServiceFQN string
	IsPublic   bool
	Metadata   map[string]string

	TTL              time.Duration
	TTLRefreshMargin float64
	PoolSize         int
	PollingInterval  time.Duration
	OfferTopics      []string

	// MaxQueueSize and MaxMessageAge are pointers so an explicit zero (drop
	// every enqueue, disable age pruning) is distinguishable from an unset
	// field that should take the package default.
	MaxQueueSize  *int
	MaxMessageAge *time.Duration

	ICE rtccap.ICEConfig
	FSM fsm.Config
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 300 * time.Second
	}
	if c.TTLRefreshMargin <= 0 {
		c.TTLRefreshMargin = 0.2
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = 2 * time.Second
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

func (c Config) refreshDelay() time.Duration {
	return time.Duration(float64(c.TTL) * (1 - c.TTLRefreshMargin))
}

// Connection is one incoming connection accepted by a Service: a Durable
// Channel wrapping one underlying data channel, plus a connectionId shared
// by every channel opened on the same underlying peer connection.
type Connection struct {
	ID      string
	Channel *durchannel.Channel
}

// Service publishes a service under a claimed username and wraps an Offer
// Pool, surfacing every new connection through onConnection. It
// retries a failed TTL refresh via internal/backoff the same way
// durconn.Connection paces reconnection, pausing the refresh timer rather
// than the pool itself.
type Service struct {
	cfg     Config
	sc      *signaling.Client
	factory rtccap.Factory
	signer  cryptocap.Signer
	log     *slog.Logger

	onConnection func(Connection)
	onError      func(err error, phase string)

	mu      sync.Mutex
	pool    *offerpool.Pool
	svc     *protocol.Service
	connIDs map[*fsm.Peer]string
	refresh *time.Timer
	sched   *backoff.Scheduler
	closed  bool
}

// New constructs a Service. Start must be called to publish and begin
// accepting connections.
func New(cfg Config, sc *signaling.Client, factory rtccap.Factory, signer cryptocap.Signer, log *slog.Logger, onConnection func(Connection), onError func(err error, phase string)) *Service {
	if log == nil {
		log = slog.Default()
	}
	if signer == nil {
		signer = cryptocap.Ed25519{}
	}
	return &Service{
		cfg:          cfg.withDefaults(),
		sc:           sc,
		factory:      factory,
		signer:       signer,
		log:          log.With("component", "durservice", "serviceFqn", cfg.ServiceFQN),
		onConnection: onConnection,
		onError:      onError,
		connIDs:      make(map[*fsm.Peer]string),
	}
}

// Service returns the last successfully published protocol.Service record,
// or nil before the first publish.
func (s *Service) Service() *protocol.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

// Start publishes the service and arms the pool plus TTL refresh timer.
func (s *Service) Start(ctx context.Context) error {
	if err := s.publish(ctx); err != nil {
		return err
	}
	return s.startPool(ctx)
}

// publish (re-)publishes the service with a fresh signed proof. The server
// treats POST /users/{username}/services as upsert-by-fqn, so a refresh is
// just calling this again.
func (s *Service) publish(ctx context.Context) error {
	if s.cfg.PrivateKey == "" || s.cfg.PublicKey == "" {
		return fmt.Errorf("durservice: Config.PublicKey and PrivateKey are required")
	}

	now := time.Now()
	message := protocol.PublishMessage(s.cfg.Username, s.cfg.ServiceFQN, now.UnixMilli())
	signature, err := s.signer.Sign(s.cfg.PrivateKey, []byte(message))
	if err != nil {
		return fmt.Errorf("signing publish message: %w", err)
	}

	svc, err := s.sc.PublishService(ctx, s.cfg.Username, signaling.PublishServiceRequest{
		ServiceFQN: s.cfg.ServiceFQN,
		PublicKey:  s.cfg.PublicKey,
		Signature:  signature,
		Message:    message,
		IsPublic:   s.cfg.IsPublic,
		Metadata:   s.cfg.Metadata,
		TTL:        s.cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("publishing service: %w", err)
	}

	s.mu.Lock()
	s.svc = &svc
	s.mu.Unlock()
	return nil
}

func (s *Service) startPool(ctx context.Context) error {
	poolCfg := offerpool.Config{
		PoolSize:        s.cfg.PoolSize,
		Topics:          s.cfg.OfferTopics,
		OfferTTL:        s.cfg.TTL,
		PollingInterval: s.cfg.PollingInterval,
		FSM:             s.cfg.FSM,
		ICE:             s.cfg.ICE,
	}

	pool := offerpool.New(poolCfg, s.sc, s.factory, s.log, s.handleAnswered, s.handlePoolError)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting offer pool: %w", err)
	}

	s.mu.Lock()
	s.pool = pool
	s.refresh = time.AfterFunc(s.cfg.refreshDelay(), func() { s.refreshLoop(ctx) })
	s.mu.Unlock()
	return nil
}

// handleAnswered wraps a freshly answered offer's default data channel into
// its own Durable Channel and assigns it a connectionId, then registers the
// same peer's extra-channel hook so any additional labeled channel the
// consumer opens later is wrapped and surfaced under
// the same connectionId.
func (s *Service) handleAnswered(a offerpool.Answered) {
	id := uuid.NewString()
	s.mu.Lock()
	s.connIDs[a.Peer] = id
	s.mu.Unlock()

	a.Peer.OnDataChannelReceived(func(dc *webrtc.DataChannel) { s.wrapChannel(a.Peer, dc) })

	s.wrapChannel(a.Peer, a.DataChannel)
}

func (s *Service) wrapChannel(peer *fsm.Peer, dc *webrtc.DataChannel) {
	s.mu.Lock()
	id := s.connIDs[peer]
	s.mu.Unlock()

	ch := durchannel.New(dc.Label(), durchannel.Config{MaxQueueSize: s.cfg.MaxQueueSize, MaxMessageAge: s.cfg.MaxMessageAge})
	ch.Attach(dc)

	if s.onConnection != nil {
		s.onConnection(Connection{ID: id, Channel: ch})
	}
}

func (s *Service) handlePoolError(err error, phase string) {
	s.log.Warn("offer pool error", "phase", phase, "error", err)
	if s.onError != nil {
		s.onError(err, phase)
	}
}

// refreshLoop republishes the service before the current TTL expires, then
// rearms itself. A failed refresh paces its retry through internal/backoff
// rather than the refresh timer, mirroring durconn.Connection's reconnect
// pacing.
func (s *Service) refreshLoop(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.publish(ctx); err != nil {
		s.log.Warn("TTL refresh failed, entering backoff", "error", err)
		s.mu.Lock()
		if s.sched == nil {
			s.sched = backoff.NewScheduler(backoff.Config{MaxAttempts: 10})
		}
		sched := s.sched
		s.mu.Unlock()
		sched.Schedule(
			func() { s.refreshLoop(ctx) },
			func() { s.handlePoolError(fmt.Errorf("TTL refresh exhausted"), "refresh") },
		)
		return
	}

	s.mu.Lock()
	if s.sched != nil {
		s.sched.Reset()
	}
	if !s.closed {
		s.refresh = time.AfterFunc(s.cfg.refreshDelay(), func() { s.refreshLoop(ctx) })
	}
	s.mu.Unlock()
}

// Close stops the TTL refresh timer, any pending refresh backoff, and the
// underlying offer pool.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.refresh != nil {
		s.refresh.Stop()
	}
	if s.sched != nil {
		s.sched.Cancel()
	}
	pool := s.pool
	s.mu.Unlock()

	if pool != nil {
		pool.Stop()
	}
}
