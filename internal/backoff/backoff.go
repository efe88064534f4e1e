// Package backoff is the Backoff Scheduler: a pure delay
// function plus a cancellable timer wrapper used by the durable connection
// and durable service to pace reconnection and TTL-refresh attempts. The
// timer plumbing is github.com/cenkalti/backoff/v4's Ticker; only the delay
// formula itself (exponential + jitter, clamped at a max) is our own, since
// it must match a specific curve exactly rather than cenkalti's default.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

// Delay computes the exponential-backoff-with-jitter formula:
// clamp(base*2^attempt, max) + U(-j,+j)*clamp*jitter, floored at 0.
// attempt is zero-based (the first retry uses attempt=0).
func Delay(attempt int, base, max time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(base) * math.Pow(2, float64(attempt))
	clamp := math.Min(raw, float64(max))

	spread := (rand.Float64()*2 - 1) * jitter * clamp
	d := clamp + spread
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Config parameterizes a Scheduler. Jitter is a pointer so an explicit zero
// (deterministic, unjittered delay) is distinguishable from an unset field
// that should take the package default.
type Config struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      *float64
	MaxAttempts int
}

func (cfg Config) withDefaults() Config {
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Jitter == nil {
		j := 0.2
		cfg.Jitter = &j
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return cfg
}

// curve adapts Delay to cenkalti/backoff/v4's BackOff interface: Schedule
// calls NextBackOff once per scheduled attempt to advance the attempt
// counter and obtain that attempt's delay; it returns cenkalti.Stop once
// MaxAttempts is reached.
type curve struct {
	cfg     Config
	attempt int
}

func (c *curve) NextBackOff() time.Duration {
	if c.attempt >= c.cfg.MaxAttempts {
		return cenkalti.Stop
	}
	d := Delay(c.attempt, c.cfg.Base, c.cfg.Max, *c.cfg.Jitter)
	c.attempt++
	return d
}

func (c *curve) Reset() { c.attempt = 0 }

// Scheduler is a cancellable, stateful wrapper around a cenkalti.Ticker
// driven by curve: each failed attempt schedules the next one at an
// increasing delay; a successful attempt resets the counter; exceeding
// MaxAttempts stops the scheduler and invokes a caller-supplied callback.
// Exposes schedule()/cancel()/reset() style operations.
type Scheduler struct {
	cfg Config

	mu     sync.Mutex
	curve  *curve
	ticker *cenkalti.Ticker
	done   chan struct{}
}

// NewScheduler constructs a Scheduler. Zero-value Config fields fall back
// to the DurableConnection defaults.
func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults()}
}

// Schedule arms the timer for the next attempt and calls onAttempt when it
// fires. If the attempt counter has reached MaxAttempts,
// onMaxAttemptsExceeded is invoked instead and the scheduler stops without
// arming a timer. Calling Schedule again after it fires advances to the
// next attempt in the curve; call Reset first to start over.
func (s *Scheduler) Schedule(onAttempt func(), onMaxAttemptsExceeded func()) {
	s.mu.Lock()
	if s.curve == nil {
		s.curve = &curve{cfg: s.cfg}
	}
	if s.curve.attempt >= s.cfg.MaxAttempts {
		s.mu.Unlock()
		onMaxAttemptsExceeded()
		return
	}
	s.stopLocked()
	delay := s.curve.NextBackOff()
	// NewTicker resets the BackOff it is given and ticks once immediately, so
	// it gets a one-shot BackOff carrying this attempt's delay, and the
	// goroutine below skips that first tick.
	ticker := cenkalti.NewTicker(cenkalti.WithMaxRetries(cenkalti.NewConstantBackOff(delay), 1))
	s.ticker = ticker
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	go func() {
		defer ticker.Stop()
		<-ticker.C
		select {
		case _, ok := <-ticker.C:
			if !ok {
				return
			}
			select {
			case <-done:
				// cancelled between tick and dispatch
			default:
				onAttempt()
			}
		case <-done:
		}
	}()
}

// Cancel clears any pending timer. Safe to call when nothing is scheduled.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
}

// Reset cancels any pending timer and zeroes the attempt counter, called
// after a successful attempt.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.curve = &curve{cfg: s.cfg}
}

// Attempt returns the number of attempts scheduled since the last Reset.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curve == nil {
		return 0
	}
	return s.curve.attempt
}
