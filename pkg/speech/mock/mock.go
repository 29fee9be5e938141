// Package mock provides test doubles for the speech package interfaces.
//
// Use Factory to script capability availability and to hand out Recognizer
// doubles. Use Recognizer to drive the dictation state machine from tests:
// EmitResult, EmitError, and EmitEnd invoke the callbacks the controller
// registered, exactly as a real capability would.
package mock

import (
	"sync"

	"github.com/parley-chat/parley/pkg/speech"
)

// Factory is a mock implementation of speech.Factory.
type Factory struct {
	mu sync.Mutex

	// Unavailable makes Available report false and New return ErrUnavailable.
	Unavailable bool

	// NewErr, if non-nil, is returned from New even when available.
	NewErr error

	// Created records every recognizer handed out, in order.
	Created []*Recognizer
}

// Available reports the scripted availability.
func (f *Factory) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.Unavailable
}

// New records and returns a fresh mock Recognizer wired to cb.
func (f *Factory) New(cfg speech.Config, cb speech.Callbacks) (speech.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return nil, speech.ErrUnavailable
	}
	if f.NewErr != nil {
		return nil, f.NewErr
	}
	r := &Recognizer{Cfg: cfg, cb: cb}
	f.Created = append(f.Created, r)
	return r, nil
}

// Last returns the most recently created recognizer, or nil.
func (f *Factory) Last() *Recognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Created) == 0 {
		return nil
	}
	return f.Created[len(f.Created)-1]
}

// Ensure Factory implements speech.Factory at compile time.
var _ speech.Factory = (*Factory)(nil)

// Recognizer is a mock implementation of speech.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// Cfg is the config the recognizer was created with.
	Cfg speech.Config

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// Started, Stopped, and Aborted record lifecycle calls.
	Started bool
	Stopped bool
	Aborted bool

	cb speech.Callbacks
}

// Start records the call and returns StartErr.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	r.Started = true
	return nil
}

// Stop records the call. The test drives OnEnd explicitly via EmitEnd.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stopped = true
}

// Abort records the call.
func (r *Recognizer) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Aborted = true
}

// EmitResult invokes the registered OnResult callback.
func (r *Recognizer) EmitResult(res speech.Result) {
	if r.cb.OnResult != nil {
		r.cb.OnResult(res)
	}
}

// EmitError invokes the registered OnError callback.
func (r *Recognizer) EmitError(err error) {
	if r.cb.OnError != nil {
		r.cb.OnError(err)
	}
}

// EmitEnd invokes the registered OnEnd callback.
func (r *Recognizer) EmitEnd() {
	if r.cb.OnEnd != nil {
		r.cb.OnEnd()
	}
}

// WasAborted reports whether Abort was called. Thread-safe.
func (r *Recognizer) WasAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Aborted
}

// WasStopped reports whether Stop was called. Thread-safe.
func (r *Recognizer) WasStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Stopped
}

// Ensure Recognizer implements speech.Recognizer at compile time.
var _ speech.Recognizer = (*Recognizer)(nil)
