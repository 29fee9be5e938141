// Package dictation layers a five-state machine over the speech recognition
// capability: idle → recording → processing → (success | error) → idle.
//
// The controller is independent of the chat session. It owns at most one
// live recognizer handle; starting a new dictation aborts any previous
// handle first. Finalized transcripts are merged into the host's text input,
// appended with a separating space when the input already has content.
//
// State transitions are driven both by explicit calls (Start, Stop, Toggle)
// and by recognizer callbacks: the handle's own end callback — not Stop —
// returns the machine to idle, so natural end-of-utterance and explicit stop
// take the same path.
package dictation

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/parley-chat/parley/pkg/speech"
)

// State is the dictation machine state.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Config configures a Controller.
type Config struct {
	// Factory provides the recognition capability. Required.
	Factory speech.Factory

	// Lang is the recognition language (e.g., "de-DE").
	Lang string

	// GetInput reads the host's current text input. Required.
	GetInput func() string

	// SetInput replaces the host's text input. Required.
	SetInput func(string)

	// Correct, if non-nil, rewrites finalized transcripts before they are
	// merged into the host input (e.g. vocabulary correction).
	Correct func(string) string

	// OnState, if non-nil, observes every state transition, in order.
	OnState func(State)

	// OnError, if non-nil, receives normalized dictation errors.
	OnError func(error)
}

// Controller is the dictation state machine. All methods are safe for
// concurrent use.
type Controller struct {
	factory  speech.Factory
	lang     string
	getInput func() string
	setInput func(string)
	correct  func(string) string
	onState  func(State)
	onError  func(error)

	mu     sync.Mutex
	state  State
	rec    speech.Recognizer
	buffer strings.Builder
}

// New creates a Controller in the idle state.
func New(cfg Config) *Controller {
	return &Controller{
		factory:  cfg.Factory,
		lang:     cfg.Lang,
		getInput: cfg.GetInput,
		setInput: cfg.SetInput,
		correct:  cfg.Correct,
		onState:  cfg.OnState,
		onError:  cfg.OnError,
		state:    StateIdle,
	}
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins a new dictation. A missing capability surfaces a normalized
// error and parks the machine in the error state — it never panics. Any
// previous recognizer handle is aborted, non-gracefully, before the new one
// starts.
func (c *Controller) Start() error {
	c.mu.Lock()

	if c.factory == nil || !c.factory.Available() {
		c.setState(StateError)
		c.mu.Unlock()
		err := fmt.Errorf("dictation: %w", speech.ErrUnavailable)
		c.reportError(err)
		return err
	}

	// Terminate any previous handle before creating a new one.
	if prev := c.rec; prev != nil {
		c.rec = nil
		prev.Abort()
	}
	c.buffer.Reset()

	rec, err := c.factory.New(speech.Config{
		Lang:           c.lang,
		InterimResults: true,
		Continuous:     false,
	}, speech.Callbacks{
		OnResult: c.handleResult,
		OnEnd:    c.handleEnd,
		OnError:  c.handleError,
	})
	if err != nil {
		c.setState(StateError)
		c.mu.Unlock()
		err = fmt.Errorf("dictation: create recognizer: %w", err)
		c.reportError(err)
		return err
	}

	c.rec = rec
	c.setState(StateRecording)
	c.mu.Unlock()

	if err := rec.Start(); err != nil {
		c.mu.Lock()
		c.rec = nil
		c.setState(StateError)
		c.mu.Unlock()
		err = fmt.Errorf("dictation: start recognizer: %w", err)
		c.reportError(err)
		return err
	}
	return nil
}

// Stop requests a graceful end of the active dictation. Only meaningful
// while recording; the recognizer's end callback — not Stop itself — returns
// the machine to idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state != StateRecording || c.rec == nil {
		c.mu.Unlock()
		return
	}
	rec := c.rec
	c.setState(StateProcessing)
	c.mu.Unlock()

	rec.Stop()
}

// Toggle flips between Start and Stop based on the current state:
// recording and processing stop, everything else starts.
func (c *Controller) Toggle() {
	switch c.State() {
	case StateRecording, StateProcessing:
		c.Stop()
	default:
		_ = c.Start()
	}
}

// Abort terminates any live recognizer immediately and returns to idle.
// Used on widget teardown.
func (c *Controller) Abort() {
	c.mu.Lock()
	rec := c.rec
	c.rec = nil
	c.buffer.Reset()
	c.setState(StateIdle)
	c.mu.Unlock()

	if rec != nil {
		rec.Abort()
	}
}

// handleResult accumulates finalized transcripts and merges them into the
// host input. Interim results are ignored; they only exist so the capability
// can display live feedback if the host wants it.
func (c *Controller) handleResult(res speech.Result) {
	if !res.IsFinal {
		return
	}

	c.mu.Lock()
	c.buffer.WriteString(res.Transcript)
	text := strings.TrimSpace(c.buffer.String())
	if text == "" {
		c.mu.Unlock()
		return
	}
	c.buffer.Reset()
	c.setState(StateSuccess)
	c.mu.Unlock()

	if c.correct != nil {
		text = c.correct(text)
	}
	c.mergeInput(text)
}

// handleEnd fires when the recognizer terminates for any reason and returns
// the machine to idle.
func (c *Controller) handleEnd() {
	c.mu.Lock()
	c.rec = nil
	c.setState(StateIdle)
	c.mu.Unlock()
}

// handleError reports the recognizer failure. The handle's end callback
// still follows and restores idle.
func (c *Controller) handleError(err error) {
	c.mu.Lock()
	c.setState(StateError)
	c.mu.Unlock()

	slog.Warn("dictation: recognition error", "error", err)
	c.reportError(fmt.Errorf("dictation: %w", err))
}

// mergeInput appends text to the host input, separated by a space when the
// input already has content.
func (c *Controller) mergeInput(text string) {
	if c.getInput == nil || c.setInput == nil {
		return
	}
	existing := strings.TrimSpace(c.getInput())
	if existing == "" {
		c.setInput(text)
		return
	}
	c.setInput(existing + " " + text)
}

// setState transitions the machine and notifies the observer.
// Must be called with c.mu held.
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

// reportError delivers a normalized error to the host.
func (c *Controller) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
