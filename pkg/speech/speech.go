// Package speech defines the dictation capability: a constructible speech
// recognizer with start/stop/abort controls and result, end, and error
// callbacks.
//
// The capability is optional on any given host. Callers must probe a Factory
// with Available before constructing a Recognizer; an unavailable capability
// is reported as ErrUnavailable, never a panic.
//
// Recognizer lifecycle mirrors the single-utterance model: Start begins
// capture, results stream in via OnResult (interim first when enabled, then
// final), and OnEnd fires exactly once when the recognizer terminates —
// whether by Stop, Abort, natural end of utterance, or error.
package speech

import "errors"

// ErrUnavailable is returned when the host lacks the recognition capability.
var ErrUnavailable = errors.New("speech: recognition capability unavailable")

// Config configures a single recognizer instance.
type Config struct {
	// Lang is the BCP-47 recognition language (e.g., "de-DE").
	Lang string

	// InterimResults enables delivery of non-final transcripts while the
	// speaker is still talking.
	InterimResults bool

	// Continuous keeps the recognizer capturing across utterance boundaries.
	// When false the recognizer ends after the first final result.
	Continuous bool
}

// Result is a single recognition result.
type Result struct {
	// Transcript is the recognized text.
	Transcript string

	// IsFinal marks an authoritative result. Interim results may be revised
	// by later ones; final results are stable.
	IsFinal bool
}

// Callbacks receive recognizer events. Any field may be nil. Callbacks are
// invoked from the recognizer's internal goroutine and must return promptly.
type Callbacks struct {
	// OnResult is invoked for each recognition result.
	OnResult func(Result)

	// OnEnd is invoked exactly once when the recognizer terminates, after the
	// last OnResult and OnError delivery.
	OnEnd func()

	// OnError is invoked when recognition fails. OnEnd still follows.
	OnError func(error)
}

// Recognizer is a live recognition handle.
type Recognizer interface {
	// Start begins audio capture and recognition.
	Start() error

	// Stop requests a graceful end: buffered audio is flushed and any pending
	// final result is delivered before OnEnd fires.
	Stop()

	// Abort terminates immediately, discarding pending audio. OnEnd still fires.
	Abort()
}

// Factory probes for and constructs recognizers.
type Factory interface {
	// Available reports whether the capability can be used on this host.
	Available() bool

	// New constructs a recognizer. Returns ErrUnavailable when the capability
	// is missing.
	New(cfg Config, cb Callbacks) (Recognizer, error)
}
