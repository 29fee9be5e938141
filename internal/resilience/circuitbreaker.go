// Package resilience provides a circuit breaker for calls to flaky
// collaborators. Parley uses it around the credential-minting upstream so a
// failing token service is backed off instead of being hammered on every
// connect attempt.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls with [ErrOpen] until the cooldown elapses.
	Open

	// HalfOpen lets a single probe call through; its outcome decides
	// whether the breaker closes again or re-opens.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// Threshold is how many consecutive failures open the breaker.
	// Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	// Default: 30s.
	Cooldown time.Duration

	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker (closed, open, half-open).
// Safe for concurrent use.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker], filling zero config fields with
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
		log:       log,
	}
}

// Do runs fn if the breaker allows it. While open it returns [ErrOpen]
// without calling fn; after the cooldown one probe call is let through, and
// its outcome closes or re-opens the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = false
		b.log.Info("circuit half-open", "name", b.name)
		fallthrough
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	probe := b.state == HalfOpen
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probe)
	} else {
		b.onSuccess(probe)
	}
	return err
}

// onFailure updates state after a failed call. Must hold b.mu.
func (b *Breaker) onFailure(probe bool) {
	b.openedAt = b.now()
	if probe {
		b.state = Open
		b.probing = false
		b.log.Warn("circuit re-opened after failed probe", "name", b.name)
		return
	}
	b.failures++
	if b.failures >= b.threshold && b.state == Closed {
		b.state = Open
		b.log.Warn("circuit opened", "name", b.name, "failures", b.failures)
	}
}

// onSuccess updates state after a successful call. Must hold b.mu.
func (b *Breaker) onSuccess(probe bool) {
	if probe {
		b.log.Info("circuit closed after successful probe", "name", b.name)
	}
	b.state = Closed
	b.failures = 0
	b.probing = false
}

// State returns the breaker's current mode. An open breaker whose cooldown
// has elapsed reports half-open; the actual transition happens on the next
// [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}
