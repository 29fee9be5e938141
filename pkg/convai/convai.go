// Package convai defines the remote conversational-agent session primitive.
//
// A Platform opens live sessions against a ConvAI-style service. A Session is
// a bidirectional handle: user text goes out via SendUserMessage, and agent
// and user-transcript events arrive on the Events channel. Sessions carry an
// opaque identifier assigned by the service on connect.
//
// Inbound payloads are duck-typed at the wire: newer services send
// {role: "user"|"agent", message: ...} while older ones send
// {source: "user"|"ai", message: ...}. ParseEvent is the single
// normalization point; payloads matching neither shape are dropped.
//
// All implementations must be safe for concurrent use.
package convai

import (
	"context"
	"encoding/json"
)

// ConnectionType names the transport used for a session. The two transports
// differ only operationally; the session contract is identical.
type ConnectionType string

const (
	// ConnectionWebSocket is the default text-first transport.
	ConnectionWebSocket ConnectionType = "websocket"

	// ConnectionWebRTC is the low-latency voice-capable transport.
	ConnectionWebRTC ConnectionType = "webrtc"
)

// IsValid reports whether c is a recognised connection type.
func (c ConnectionType) IsValid() bool {
	return c == ConnectionWebSocket || c == ConnectionWebRTC
}

// Fallback returns the alternate transport, used when a signed-URL connect
// attempt needs to switch transports.
func (c ConnectionType) Fallback() ConnectionType {
	if c == ConnectionWebRTC {
		return ConnectionWebSocket
	}
	return ConnectionWebRTC
}

// Source identifies the speaker of a normalized inbound event.
type Source string

const (
	// SourceUser marks the service's transcript of user input.
	SourceUser Source = "user"

	// SourceAgent marks an agent reply.
	SourceAgent Source = "agent"
)

// Event is a normalized inbound message from the remote session.
type Event struct {
	// Source identifies who produced the text.
	Source Source

	// Text is the message content.
	Text string
}

// SessionConfig describes how to open a session. Exactly one authentication
// path is used: a pre-minted SignedURL wins over a pre-minted Token, which
// wins over a direct public AgentID connect.
type SessionConfig struct {
	// AgentID is the public agent identifier. Required for direct and
	// token-authenticated connects.
	AgentID string

	// UserID is an optional caller identity attached to the session.
	UserID string

	// ConnectionType selects the transport. Defaults to websocket when empty.
	ConnectionType ConnectionType

	// Token is a short-lived conversation token minted server-side.
	// When set, it is presented instead of relying on the agent being public.
	Token string

	// SignedURL is a pre-signed connect URL minted server-side. When set it is
	// dialled as-is and AgentID/Token are not used.
	SignedURL string
}

// Platform opens sessions against the remote service.
type Platform interface {
	// Connect establishes a session and blocks until the service has assigned
	// a session ID or ctx is done. The returned Session is live; callers must
	// Close it when finished.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is an open conversation with the remote agent.
//
// The Events channel is closed when the session ends, whether by Close, by
// the remote side, or by a transport error. After it closes, Err reports
// whether the session ended cleanly.
type Session interface {
	// ID returns the service-assigned session identifier.
	ID() string

	// SendUserMessage delivers a user text message to the agent.
	SendUserMessage(text string) error

	// Events returns the channel of normalized inbound events.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil for a clean end.
	// Valid only after the Events channel has closed.
	Err() error

	// Close terminates the session. Safe to call multiple times.
	Close() error
}

// eventPayload is the superset of the two inbound payload shapes.
type eventPayload struct {
	Role    string `json:"role"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

// ParseEvent normalizes a raw inbound payload into an Event. It accepts both
// the {role: user|agent} and the legacy {source: user|ai} shape. The second
// return value is false when the payload matches neither shape or carries no
// message; such payloads are ignored, not errored, since they represent a
// non-fatal protocol mismatch.
func ParseEvent(raw []byte) (Event, bool) {
	var p eventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Event{}, false
	}
	return normalizeEvent(p)
}

// normalizeEvent maps a decoded payload onto the canonical Event shape.
func normalizeEvent(p eventPayload) (Event, bool) {
	if p.Message == "" {
		return Event{}, false
	}
	switch p.Role {
	case "user":
		return Event{Source: SourceUser, Text: p.Message}, true
	case "agent":
		return Event{Source: SourceAgent, Text: p.Message}, true
	}
	// Back-compat: older payloads use `source` with "ai" for the agent.
	switch p.Source {
	case "user":
		return Event{Source: SourceUser, Text: p.Message}, true
	case "ai":
		return Event{Source: SourceAgent, Text: p.Message}, true
	}
	return Event{}, false
}
