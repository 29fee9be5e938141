package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// fakeClock is a settable clock for driving the cooldown.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := NewBreaker(BreakerConfig{
		Name:      "test",
		Threshold: threshold,
		Cooldown:  10 * time.Second,
		Now:       clock.Now,
	})
	return b, clock
}

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Errorf("state = %v, want closed", got)
	}
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("open breaker returned %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, ok)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	if got := b.State(); got != Closed {
		t.Errorf("state = %v, want closed (failures interleaved with success)", got)
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}

	clock.Advance(11 * time.Second)
	if got := b.State(); got != HalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", got)
	}
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if got := b.State(); got != Closed {
		t.Errorf("state = %v, want closed after successful probe", got)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	clock.Advance(11 * time.Second)

	if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	if got := b.State(); got != Open {
		t.Errorf("state = %v, want open after failed probe", got)
	}
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("re-opened breaker returned %v, want ErrOpen", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	b.Reset()

	if got := b.State(); got != Closed {
		t.Fatalf("state = %v, want closed after reset", got)
	}
	if err := b.Do(ctx, ok); err != nil {
		t.Errorf("Do after reset: %v", err)
	}
}
