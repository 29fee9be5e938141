package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Dialer is the connect operation a [Reconnector] drives. *Controller
// satisfies it, as does anything wrapping one.
type Dialer interface {
	Connect(ctx context.Context) error
}

// Reconnector retries a Dialer's connect with exponential backoff. It is
// used for unattended connects — startup auto-connect in particular — where
// a transient failure should not require a human to retry.
type Reconnector struct {
	dial       Dialer
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dialer is the connect operation to retry. Required.
	Dialer Dialer

	// MaxRetries is the number of attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewReconnector creates a [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Reconnector{
		dial:       cfg.Dialer,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		log:        log,
	}
}

// Run attempts to connect until one attempt succeeds, the retries are
// exhausted, or ctx is cancelled. It returns the last attempt's error when
// all attempts fail, and ctx.Err when cancelled between attempts.
func (r *Reconnector) Run(ctx context.Context) error {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = r.dial.Connect(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.log.Info("connected after retry", "attempt", attempt)
			}
			return nil
		}
		r.log.Warn("connect attempt failed",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
			"err", lastErr,
		)

		if attempt == r.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	return fmt.Errorf("session: giving up after %d connect attempts: %w", r.maxRetries, lastErr)
}
