// Package wsclient provides a WebSocket-backed convai.Platform speaking the
// ConvAI text protocol: a conversation-initiation handshake followed by JSON
// frames for user messages, agent responses, user transcripts, and pings.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-chat/parley/pkg/convai"
)

const (
	defaultEndpoint = "wss://api.elevenlabs.io/v1/convai/conversation"

	// handshakeTimeout bounds the wait for the conversation-initiation
	// metadata frame after the dial succeeds.
	handshakeTimeout = 10 * time.Second
)

// Option is a functional option for configuring the Platform.
type Option func(*Platform)

// WithEndpoint overrides the default ConvAI WebSocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Platform) {
		p.endpoint = endpoint
	}
}

// WithHandshakeTimeout overrides the wait for the initiation metadata frame.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(p *Platform) {
		p.handshakeTimeout = d
	}
}

// Platform implements convai.Platform over a WebSocket transport.
type Platform struct {
	endpoint         string
	handshakeTimeout time.Duration
}

// New creates a WebSocket Platform with the default ConvAI endpoint.
func New(opts ...Option) *Platform {
	p := &Platform{
		endpoint:         defaultEndpoint,
		handshakeTimeout: handshakeTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect dials the service, performs the conversation-initiation handshake,
// and returns a live session once the service has assigned a conversation ID.
func (p *Platform) Connect(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("wsclient: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial: %w", err)
	}

	connType := cfg.ConnectionType
	if connType == "" {
		connType = convai.ConnectionWebSocket
	}

	init := initFrame{
		Type:           "conversation_initiation_client_data",
		UserID:         cfg.UserID,
		ConnectionType: string(connType),
	}
	data, err := json.Marshal(init)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "init marshal failed")
		return nil, fmt.Errorf("wsclient: marshal initiation: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusProtocolError, "init write failed")
		return nil, fmt.Errorf("wsclient: send initiation: %w", err)
	}

	id, err := p.awaitMetadata(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, err
	}

	sess := &session{
		conn:     conn,
		id:       id,
		events:   make(chan convai.Event, 64),
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()

	return sess, nil
}

// buildURL constructs the dial URL for the given config. A pre-minted signed
// URL is dialled as-is; otherwise the endpoint is parameterised with the
// agent ID and, when present, the conversation token.
func (p *Platform) buildURL(cfg convai.SessionConfig) (string, error) {
	if cfg.SignedURL != "" {
		return cfg.SignedURL, nil
	}
	if cfg.AgentID == "" {
		return "", errors.New("agent ID must not be empty")
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", cfg.AgentID)
	if cfg.Token != "" {
		q.Set("conversation_token", cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitMetadata reads frames until the conversation-initiation metadata
// arrives, returning the assigned conversation ID.
func (p *Platform) awaitMetadata(ctx context.Context, conn *websocket.Conn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.handshakeTimeout)
	defer cancel()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("wsclient: await initiation metadata: %w", err)
		}
		var f inboundFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			continue
		}
		if f.Type == "conversation_initiation_metadata" && f.InitiationMetadata != nil {
			return f.InitiationMetadata.ConversationID, nil
		}
	}
}

// ---- wire frames ----

// initFrame is the handshake payload sent immediately after the dial.
type initFrame struct {
	Type           string `json:"type"`
	UserID         string `json:"user_id,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`
}

// userMessageFrame carries an outbound user text message.
type userMessageFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// pongFrame answers a service ping.
type pongFrame struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// inboundFrame is the superset of frames the service sends. Unknown frame
// types fall through to the duck-typed role/source shape handled by
// convai.ParseEvent.
type inboundFrame struct {
	Type string `json:"type"`

	InitiationMetadata *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`

	AgentResponse *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	UserTranscription *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	Ping *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`
}

// ---- session ----

// session is a live ConvAI conversation. It implements convai.Session.
type session struct {
	conn     *websocket.Conn
	id       string
	events   chan convai.Event
	outbound chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

// ID returns the conversation ID assigned during the handshake.
func (s *session) ID() string { return s.id }

// Events returns the channel of normalized inbound events.
func (s *session) Events() <-chan convai.Event { return s.events }

// Err returns the error that terminated the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// SendUserMessage queues a user text message for delivery.
func (s *session) SendUserMessage(text string) error {
	frame, err := json.Marshal(userMessageFrame{Type: "user_message", Text: text})
	if err != nil {
		return fmt.Errorf("wsclient: marshal user message: %w", err)
	}
	select {
	case <-s.done:
		return errors.New("wsclient: session is closed")
	case s.outbound <- frame:
		return nil
	}
}

// Close terminates the session cleanly. Safe to call multiple times.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop drains the outbound channel onto the socket.
func (s *session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.outbound:
			if err := s.conn.Write(context.Background(), websocket.MessageText, frame); err != nil {
				s.fail(fmt.Errorf("wsclient: write: %w", err))
				return
			}
		}
	}
}

// readLoop receives frames and dispatches normalized events until the socket
// closes. The events channel is closed on exit.
func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(context.Background())
		if err != nil {
			select {
			case <-s.done:
				// Close was requested; the read error is expected.
			default:
				s.fail(fmt.Errorf("wsclient: read: %w", err))
			}
			return
		}

		ev, ok := s.dispatch(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

// dispatch maps a raw frame onto a normalized event. Pings are answered
// inline and produce no event.
func (s *session) dispatch(msg []byte) (convai.Event, bool) {
	var f inboundFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return convai.Event{}, false
	}

	switch f.Type {
	case "agent_response":
		if f.AgentResponse == nil || f.AgentResponse.AgentResponse == "" {
			return convai.Event{}, false
		}
		return convai.Event{Source: convai.SourceAgent, Text: f.AgentResponse.AgentResponse}, true

	case "user_transcript":
		if f.UserTranscription == nil || f.UserTranscription.UserTranscript == "" {
			return convai.Event{}, false
		}
		return convai.Event{Source: convai.SourceUser, Text: f.UserTranscription.UserTranscript}, true

	case "ping":
		if f.Ping != nil {
			s.pong(f.Ping.EventID)
		}
		return convai.Event{}, false
	}

	// Fall back to the duck-typed {role|source, message} shape.
	return convai.ParseEvent(msg)
}

// pong queues the reply to a service ping. Best-effort: a session racing
// shutdown simply drops the pong.
func (s *session) pong(eventID int) {
	frame, err := json.Marshal(pongFrame{Type: "pong", EventID: eventID})
	if err != nil {
		return
	}
	select {
	case s.outbound <- frame:
	case <-s.done:
	default:
		slog.Debug("wsclient: pong dropped, outbound queue full", "event_id", eventID)
	}
}

// fail records the first terminating error.
func (s *session) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Ensure Platform implements convai.Platform at compile time.
var _ convai.Platform = (*Platform)(nil)
