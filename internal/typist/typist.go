// Package typist reveals assistant replies incrementally with human-like
// pacing instead of rendering them instantaneously.
//
// One reveal runs at a time. Replies arriving during an active reveal are
// queued and rendered instantly — not re-streamed — once the active reveal
// completes. Reveal speed scales with reply length so long replies stay
// brisk: more characters are advanced per tick and the per-character delay
// shrinks, with extra pauses after sentence and clause boundaries to mimic
// natural cadence.
//
// All timer work goes through a Scheduler so reveals are deterministic under
// test and torn down deterministically on cancellation.
package typist

import (
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/chatlog"
)

// Mode selects when the paced reveal applies.
type Mode string

const (
	// ModeContinuous reveals every assistant reply that arrives while no
	// other reveal is active.
	ModeContinuous Mode = "continuous"

	// ModeFirstReply reveals only the first assistant reply of the widget's
	// lifetime; subsequent replies render immediately.
	ModeFirstReply Mode = "first-reply"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeContinuous || m == ModeFirstReply
}

// Scheduler runs a function after a delay. The returned cancel function
// stops a pending run; it has no effect once the function has started.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// timerScheduler is the production Scheduler, backed by time.AfterFunc.
type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// NewTimerScheduler returns a Scheduler backed by real timers.
func NewTimerScheduler() Scheduler { return timerScheduler{} }

// Band maps a reply length range onto a reveal speed. Bands are evaluated in
// order; the first band whose MaxChars is at least the reply's rune count
// applies. A zero MaxChars matches any length and terminates the table.
type Band struct {
	// MaxChars is the inclusive upper bound on reply length for this band,
	// in runes. Zero means unbounded.
	MaxChars int `yaml:"max_chars"`

	// CharsPerTick is how many characters each tick advances.
	CharsPerTick int `yaml:"chars_per_tick"`

	// PerChar is the base delay per revealed character.
	PerChar time.Duration `yaml:"per_char"`
}

// Pacing holds the reveal timing table. The values are empirical tuning
// constants; DefaultPacing carries the stock table.
type Pacing struct {
	// StartDelay precedes the first tick, giving a "thinking" pause.
	StartDelay time.Duration `yaml:"start_delay"`

	// SentencePause is added after revealing '.', '!', or '?'.
	SentencePause time.Duration `yaml:"sentence_pause"`

	// ClausePause is added after revealing ',', ';', or ':'.
	ClausePause time.Duration `yaml:"clause_pause"`

	// NewlinePause is added after revealing a newline.
	NewlinePause time.Duration `yaml:"newline_pause"`

	// Bands is the length-dependent speed table.
	Bands []Band `yaml:"bands"`
}

// DefaultPacing returns the stock reveal timing table: short replies feel
// deliberate (1 char per tick, 70 ms each), very long replies stay brisk
// (6 chars per tick, 16 ms each, bounding total wall-clock time).
func DefaultPacing() Pacing {
	return Pacing{
		StartDelay:    220 * time.Millisecond,
		SentencePause: 240 * time.Millisecond,
		ClausePause:   120 * time.Millisecond,
		NewlinePause:  120 * time.Millisecond,
		Bands: []Band{
			{MaxChars: 12, CharsPerTick: 1, PerChar: 70 * time.Millisecond},
			{MaxChars: 80, CharsPerTick: 1, PerChar: 48 * time.Millisecond},
			{MaxChars: 300, CharsPerTick: 2, PerChar: 34 * time.Millisecond},
			{MaxChars: 700, CharsPerTick: 3, PerChar: 26 * time.Millisecond},
			{MaxChars: 1200, CharsPerTick: 4, PerChar: 20 * time.Millisecond},
			{MaxChars: 0, CharsPerTick: 6, PerChar: 16 * time.Millisecond},
		},
	}
}

// band returns the speed band for a reply of total runes.
func (p Pacing) band(total int) Band {
	for _, b := range p.Bands {
		if b.MaxChars == 0 || total <= b.MaxChars {
			return b
		}
	}
	// Empty table; reveal everything in one tick.
	return Band{CharsPerTick: total, PerChar: 0}
}

// pause returns the extra cadence pause owed after revealing r.
func (p Pacing) pause(r rune) time.Duration {
	switch r {
	case '.', '!', '?':
		return p.SentencePause
	case ',', ';', ':':
		return p.ClausePause
	case '\n':
		return p.NewlinePause
	}
	return 0
}

// Config configures a Typist.
type Config struct {
	// Store is the message log the reveal mutates.
	Store *chatlog.Store

	// Scheduler runs the reveal ticks. Defaults to real timers.
	Scheduler Scheduler

	// Mode selects which replies get the paced reveal.
	// Defaults to ModeContinuous.
	Mode Mode

	// Pacing is the timing table. Zero value means DefaultPacing.
	Pacing Pacing

	// OnRevealDone, if non-nil, is called after each completed reveal with
	// the reply's rune count. Used for metrics.
	OnRevealDone func(chars int)
}

// Typist serializes and paces assistant reply reveals. It implements
// chatlog.AssistantRenderer. All methods are safe for concurrent use.
type Typist struct {
	store        *chatlog.Store
	sched        Scheduler
	mode         Mode
	pacing       Pacing
	onRevealDone func(chars int)

	mu           sync.Mutex
	active       bool
	revealedOnce bool
	queue        []string
	cancel       func()
	gen          int

	// Reveal-in-progress state, valid while active.
	id     string
	target []rune
	pos    int
}

// New creates a Typist with the given configuration.
func New(cfg Config) *Typist {
	sched := cfg.Scheduler
	if sched == nil {
		sched = NewTimerScheduler()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeContinuous
	}
	pacing := cfg.Pacing
	if len(pacing.Bands) == 0 && pacing.StartDelay == 0 {
		pacing = DefaultPacing()
	}
	return &Typist{
		store:        cfg.Store,
		sched:        sched,
		mode:         mode,
		pacing:       pacing,
		onRevealDone: cfg.OnRevealDone,
	}
}

// Render accepts a completed assistant reply. If a reveal is active the
// reply is queued behind it; if the mode has already spent its paced reveal
// the reply is appended instantly; otherwise a new reveal starts.
func (t *Typist) Render(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		t.queue = append(t.queue, text)
		return
	}
	if t.mode == ModeFirstReply && t.revealedOnce {
		t.store.AppendAssistant(text)
		return
	}

	t.active = true
	t.revealedOnce = true
	t.target = []rune(text)
	t.pos = 0
	t.id = t.store.StartStreaming()

	gen := t.gen
	t.cancel = t.sched.Schedule(t.pacing.StartDelay, func() { t.tick(gen) })
}

// Active reports whether a reveal is currently in progress.
func (t *Typist) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Cancel tears down any in-flight reveal: the pending tick is stopped, the
// partially revealed placeholder is discarded, and the queue is dropped.
// Subsequent Render calls start fresh.
func (t *Typist) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.active {
		t.store.DiscardStreaming(t.id)
	}
	t.active = false
	t.queue = nil
	t.id = ""
	t.target = nil
	t.pos = 0
}

// tick advances the reveal by one speed-band step and schedules the next
// tick. A tick from a cancelled generation is a no-op.
func (t *Typist) tick(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || !t.active {
		return
	}

	band := t.pacing.band(len(t.target))
	step := band.CharsPerTick
	if step < 1 {
		step = 1
	}
	if rest := len(t.target) - t.pos; step > rest {
		step = rest
	}

	revealed := t.target[t.pos : t.pos+step]
	t.pos += step
	t.store.GrowStreaming(t.id, string(t.target[:t.pos]))

	if t.pos >= len(t.target) {
		t.finish()
		return
	}

	delay := time.Duration(step) * band.PerChar
	for _, r := range revealed {
		delay += t.pacing.pause(r)
	}
	t.cancel = t.sched.Schedule(delay, func() { t.tick(gen) })
}

// finish completes the active reveal and drains the queue, rendering each
// queued reply instantly. Must be called with t.mu held.
func (t *Typist) finish() {
	t.store.CompleteStreaming(t.id, string(t.target))
	if t.onRevealDone != nil {
		t.onRevealDone(len(t.target))
	}

	queued := t.queue
	t.queue = nil
	t.active = false
	t.cancel = nil
	t.id = ""
	t.target = nil
	t.pos = 0

	for _, text := range queued {
		t.store.AppendAssistant(text)
	}
}

// Ensure Typist implements the renderer contract at compile time.
var _ chatlog.AssistantRenderer = (*Typist)(nil)
