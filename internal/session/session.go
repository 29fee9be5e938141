// Package session drives the lifecycle of a single remote agent conversation.
//
// The Controller owns one convai.Session at a time and exposes a small
// surface to the rest of the program: Connect, Send, Disconnect and a status
// feed. Text sent while disconnected is queued and flushed, in order, once a
// connection is established.
//
// Connecting is a three-stage ladder. The controller first dials with the
// bare agent ID, which succeeds only for public agents. If that is rejected
// it mints a conversation token and dials again, and as a last resort it
// mints a fully signed URL and dials that on the alternate transport. When
// every stage fails, the error from the first attempt is reported; it
// describes the primary path rather than whichever fallback happened to die
// last.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parley-chat/parley/internal/observe"
	"github.com/parley-chat/parley/pkg/convai"
)

// Status is the externally visible connection state.
type Status int

const (
	// StatusDisconnected means no session is open and none is being opened.
	StatusDisconnected Status = iota

	// StatusConnecting means a connect ladder is in flight.
	StatusConnecting

	// StatusConnected means a live session is open.
	StatusConnected
)

// String returns the status identifier for logs.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Label returns the user-facing status text.
func (s Status) Label() string {
	switch s {
	case StatusConnecting:
		return "Connecting..."
	case StatusConnected:
		return "Connected"
	default:
		return "Disconnected"
	}
}

// Minter supplies the credentials for the fallback stages of the connect
// ladder. *minting.Client satisfies it.
type Minter interface {
	ConversationToken(ctx context.Context) (string, error)
	SignedURL(ctx context.Context) (string, error)
}

// Config assembles a Controller.
type Config struct {
	// Platform opens remote sessions. Required.
	Platform convai.Platform

	// Minter mints fallback credentials. Optional; without it the ladder
	// has only the direct stage.
	Minter Minter

	// AgentID is the agent to converse with. Required.
	AgentID string

	// UserID is an optional stable caller identity attached to sessions.
	UserID string

	// ConnectionType selects the preferred transport. Defaults to websocket.
	ConnectionType convai.ConnectionType

	// OnStatus observes every status transition, in order.
	OnStatus func(Status)

	// OnMessage receives every inbound event from the live session.
	OnMessage func(convai.Event)

	// OnError receives connect failures and session-terminating errors.
	OnError func(error)

	// OnStage observes each attempted ladder stage ("direct", "token",
	// "signed_url") with its outcome. Used for instrumentation.
	OnStage func(stage string, err error)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Controller manages one conversation at a time.
type Controller struct {
	platform convai.Platform
	minter   Minter
	agentID  string
	userID   string
	connType convai.ConnectionType

	onStatus  func(Status)
	onMessage func(convai.Event)
	onError   func(error)
	onStage   func(stage string, err error)
	log       *slog.Logger

	mu      sync.Mutex
	status  Status
	sess    convai.Session
	queue   []string
	lastErr error

	// generation invalidates in-flight connects and event pumps. It is
	// bumped whenever the controller moves to a new session attempt or is
	// explicitly disconnected, so a result arriving for an older generation
	// is discarded instead of clobbering the current state.
	generation uint64

	// notifyMu serialises callback delivery so observers see transitions
	// in the order they happened.
	notifyMu sync.Mutex
}

// New creates a Controller. It does not connect.
func New(cfg Config) *Controller {
	ct := cfg.ConnectionType
	if !ct.IsValid() {
		ct = convai.ConnectionWebSocket
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		platform:  cfg.Platform,
		minter:    cfg.Minter,
		agentID:   cfg.AgentID,
		userID:    cfg.UserID,
		connType:  ct,
		onStatus:  cfg.OnStatus,
		onMessage: cfg.OnMessage,
		onError:   cfg.OnError,
		onStage:   cfg.OnStage,
		log:       log,
	}
}

// Status returns the current connection status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the live session's identifier, or "" when disconnected.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.ID()
}

// LastError returns the error behind the most recent failed connect or
// errored session, if any. It is cleared on the next successful connect.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Pending returns the number of queued outbound messages.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect runs the connect ladder. It is a no-op when a session is already
// open or another Connect is in flight; the caller can simply retry-call it.
// On success the pending queue is flushed in order. When every stage fails,
// the controller returns to StatusDisconnected, records the first stage's
// error behind LastError and returns it.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	gen := c.generation
	c.status = StatusConnecting
	c.mu.Unlock()
	c.notifyStatus(StatusConnecting)

	ctx, span := observe.StartSpan(ctx, "session.connect",
		trace.WithAttributes(attribute.String("agent.id", c.agentID)))
	sess, err := c.dial(ctx)

	c.mu.Lock()
	if c.generation != gen {
		// Disconnect won the race; this result is stale.
		c.mu.Unlock()
		span.End()
		if sess != nil {
			_ = sess.Close()
		}
		return nil
	}
	if err != nil {
		c.status = StatusDisconnected
		c.lastErr = err
		c.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "all connect stages failed")
		span.End()
		c.notifyStatus(StatusDisconnected)
		c.reportError(err)
		return err
	}
	c.sess = sess
	c.lastErr = nil
	c.status = StatusConnected
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	span.SetAttributes(attribute.String("session.id", sess.ID()))
	span.End()

	c.log.Info("session connected", "session_id", sess.ID(), "pending", len(pending))
	c.notifyStatus(StatusConnected)
	go c.pump(sess, gen)

	for _, text := range pending {
		if err := sess.SendUserMessage(text); err != nil {
			c.reportError(fmt.Errorf("session: flushing queued message: %w", err))
		}
	}
	return nil
}

// dial walks the three-stage connect ladder.
func (c *Controller) dial(ctx context.Context) (convai.Session, error) {
	base := convai.SessionConfig{
		AgentID:        c.agentID,
		UserID:         c.userID,
		ConnectionType: c.connType,
	}

	sess, firstErr := c.platform.Connect(ctx, base)
	c.stageResult(ctx, "direct", firstErr)
	if firstErr == nil {
		return sess, nil
	}
	c.log.Warn("direct connect failed", "agent_id", c.agentID, "err", firstErr)
	if c.minter == nil || ctx.Err() != nil {
		return nil, firstErr
	}

	if tok, err := c.minter.ConversationToken(ctx); err != nil {
		c.stageResult(ctx, "token", err)
		c.log.Warn("conversation token mint failed", "err", err)
	} else {
		cfg := base
		cfg.Token = tok
		sess, err := c.platform.Connect(ctx, cfg)
		c.stageResult(ctx, "token", err)
		if err == nil {
			return sess, nil
		}
		c.log.Warn("token connect failed", "err", err)
	}
	if ctx.Err() != nil {
		return nil, firstErr
	}

	if u, err := c.minter.SignedURL(ctx); err != nil {
		c.stageResult(ctx, "signed_url", err)
		c.log.Warn("signed url mint failed", "err", err)
	} else {
		cfg := base
		cfg.SignedURL = u
		cfg.ConnectionType = c.connType.Fallback()
		sess, err := c.platform.Connect(ctx, cfg)
		c.stageResult(ctx, "signed_url", err)
		if err == nil {
			return sess, nil
		}
		c.log.Warn("signed url connect failed", "err", err)
	}

	return nil, firstErr
}

// stageResult records a ladder stage outcome on the connect span and reports
// it to the OnStage observer.
func (c *Controller) stageResult(ctx context.Context, stage string, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.AddEvent("connect stage failed", trace.WithAttributes(
			attribute.String("connect.stage", stage),
			attribute.String("error", err.Error()),
		))
	} else {
		span.SetAttributes(attribute.String("connect.stage", stage))
	}
	if c.onStage != nil {
		c.onStage(stage, err)
	}
}

// Send delivers text to the agent. While no session is open, the text is
// queued and a background connect is kicked off; the queue drains on the
// next successful connect.
func (c *Controller) Send(text string) error {
	c.mu.Lock()
	if c.status == StatusConnected && c.sess != nil {
		sess := c.sess
		c.mu.Unlock()
		if err := sess.SendUserMessage(text); err != nil {
			err = fmt.Errorf("session: sending message: %w", err)
			c.reportError(err)
			return err
		}
		return nil
	}
	c.queue = append(c.queue, text)
	kick := c.status != StatusConnecting
	c.mu.Unlock()

	if kick {
		go func() { _ = c.Connect(context.Background()) }()
	}
	return nil
}

// Disconnect closes the current session, if any, and discards any connect
// still in flight. Queued messages survive and flush on the next connect.
// Safe to call repeatedly.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.generation++
	sess := c.sess
	c.sess = nil
	changed := c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	if changed {
		c.notifyStatus(StatusDisconnected)
	}
}

// pump forwards inbound events until the session ends, then records how it
// ended. A pump whose generation is stale has been superseded and must not
// touch controller state.
func (c *Controller) pump(sess convai.Session, gen uint64) {
	for ev := range sess.Events() {
		c.notifyMu.Lock()
		if c.onMessage != nil {
			c.onMessage(ev)
		}
		c.notifyMu.Unlock()
	}

	err := sess.Err()
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.status = StatusDisconnected
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("session ended with error", "session_id", sess.ID(), "err", err)
	} else {
		c.log.Info("session ended", "session_id", sess.ID())
	}
	c.notifyStatus(StatusDisconnected)
	if err != nil {
		c.reportError(fmt.Errorf("session: session ended: %w", err))
	}
}

func (c *Controller) notifyStatus(s Status) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.onStatus != nil {
		c.onStatus(s)
	}
}

func (c *Controller) reportError(err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.onError != nil {
		c.onError(err)
	}
}
