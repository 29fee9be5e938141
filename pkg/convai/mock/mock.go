// Package mock provides test doubles for the convai package interfaces.
//
// Use Platform to verify that the caller connects with the expected
// SessionConfig and to script per-attempt outcomes. Use Session to feed
// controlled events and inspect which messages were sent.
//
// Example:
//
//	sess := mock.NewSession("conv-1")
//	p := &mock.Platform{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(convai.Event{Source: convai.SourceAgent, Text: "hi"})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/parley-chat/parley/pkg/convai"
)

// ConnectCall records a single invocation of Platform.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg convai.SessionConfig
}

// Platform is a mock implementation of convai.Platform.
type Platform struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new default Session.
	Session convai.Session

	// ConnectErr, if non-nil, is returned as the error from every Connect.
	ConnectErr error

	// ConnectFunc, if non-nil, overrides the canned Session/ConnectErr
	// behaviour entirely. Useful for scripting per-attempt outcomes.
	ConnectFunc func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error)

	// ConnectCalls records every call to Connect.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns the scripted result.
func (p *Platform) Connect(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	fn := p.ConnectFunc
	sess := p.Session
	err := p.ConnectErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	return NewSession("mock-session"), nil
}

// Calls returns a copy of the recorded Connect calls. Thread-safe.
func (p *Platform) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Platform) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
}

// Ensure Platform implements convai.Platform at compile time.
var _ convai.Platform = (*Platform)(nil)

// Session is a mock implementation of convai.Session.
type Session struct {
	mu sync.Mutex

	// SessionID is returned by ID.
	SessionID string

	// SendErr, if non-nil, is returned from SendUserMessage.
	SendErr error

	// Sent records every text passed to SendUserMessage, in order.
	Sent []string

	// CloseErrValue is reported by Err after the events channel closes.
	CloseErrValue error

	events chan convai.Event
	done   chan struct{}
	once   sync.Once
}

// NewSession creates a mock session with a buffered events channel.
func NewSession(id string) *Session {
	return &Session{
		SessionID: id,
		events:    make(chan convai.Event, 64),
		done:      make(chan struct{}),
	}
}

// ID returns the configured session ID.
func (s *Session) ID() string { return s.SessionID }

// SendUserMessage records the message and returns SendErr.
func (s *Session) SendUserMessage(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return errors.New("mock: session is closed")
	default:
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.Sent = append(s.Sent, text)
	return nil
}

// SentMessages returns a copy of the recorded sends. Thread-safe.
func (s *Session) SentMessages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Sent))
	copy(out, s.Sent)
	return out
}

// Events returns the mock event channel.
func (s *Session) Events() <-chan convai.Event { return s.events }

// Err returns the scripted terminating error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseErrValue
}

// Emit delivers an event to the session's consumer. Panics if called after
// Close, mirroring a send on a closed channel in production code.
func (s *Session) Emit(ev convai.Event) {
	s.events <- ev
}

// Close closes the events channel, ending the session. Safe to call
// multiple times.
func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
	return nil
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Ensure Session implements convai.Session at compile time.
var _ convai.Session = (*Session)(nil)
