package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/parley-chat/parley/pkg/convai"
	convaimock "github.com/parley-chat/parley/pkg/convai/mock"
)

// fakeMinter scripts the fallback credential calls.
type fakeMinter struct {
	token     string
	tokenErr  error
	signedURL string
	signedErr error

	tokenCalls  int
	signedCalls int
}

func (m *fakeMinter) ConversationToken(ctx context.Context) (string, error) {
	m.tokenCalls++
	return m.token, m.tokenErr
}

func (m *fakeMinter) SignedURL(ctx context.Context) (string, error) {
	m.signedCalls++
	return m.signedURL, m.signedErr
}

// recorder captures controller callbacks.
type recorder struct {
	mu       sync.Mutex
	statuses []Status
	events   []convai.Event
	errs     []error
}

func (r *recorder) onStatus(s Status) { r.mu.Lock(); defer r.mu.Unlock(); r.statuses = append(r.statuses, s) }

func (r *recorder) onMessage(ev convai.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onError(err error) { r.mu.Lock(); defer r.mu.Unlock(); r.errs = append(r.errs, err) }

func (r *recorder) statusLog() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func (r *recorder) eventLog() []convai.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]convai.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) errCount() int { r.mu.Lock(); defer r.mu.Unlock(); return len(r.errs) }

func newTestController(p convai.Platform, m Minter, rec *recorder) *Controller {
	cfg := Config{
		Platform: p,
		Minter:   m,
		AgentID:  "agent-1",
		UserID:   "user-1",
	}
	if rec != nil {
		cfg.OnStatus = rec.onStatus
		cfg.OnMessage = rec.onMessage
		cfg.OnError = rec.onError
	}
	return New(cfg)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnect_DirectSucceeds(t *testing.T) {
	sess := convaimock.NewSession("conv-1")
	p := &convaimock.Platform{Session: sess}
	m := &fakeMinter{}
	rec := &recorder{}
	c := newTestController(p, m, rec)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Status() != StatusConnected {
		t.Errorf("status = %v, want connected", c.Status())
	}
	if c.SessionID() != "conv-1" {
		t.Errorf("session id = %q, want conv-1", c.SessionID())
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("platform saw %d connects, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.AgentID != "agent-1" || cfg.UserID != "user-1" || cfg.Token != "" || cfg.SignedURL != "" {
		t.Errorf("direct connect config = %+v", cfg)
	}
	if cfg.ConnectionType != convai.ConnectionWebSocket {
		t.Errorf("connection type = %q, want websocket", cfg.ConnectionType)
	}
	if m.tokenCalls != 0 || m.signedCalls != 0 {
		t.Error("successful direct connect must not mint credentials")
	}

	want := []Status{StatusConnecting, StatusConnected}
	got := rec.statusLog()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("status log = %v, want %v", got, want)
	}
}

func TestConnect_NoOpWhileConnected(t *testing.T) {
	p := &convaimock.Platform{Session: convaimock.NewSession("conv-1")}
	c := newTestController(p, nil, nil)

	_ = c.Connect(context.Background())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if len(p.Calls()) != 1 {
		t.Errorf("platform saw %d connects, want 1", len(p.Calls()))
	}
}

func TestConnect_FallsBackToToken(t *testing.T) {
	sess := convaimock.NewSession("conv-tok")
	p := &convaimock.Platform{}
	p.ConnectFunc = func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
		if cfg.Token == "" {
			return nil, errors.New("agent is private")
		}
		return sess, nil
	}
	m := &fakeMinter{token: "tok-1"}
	rec := &recorder{}
	c := newTestController(p, m, rec)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	calls := p.Calls()
	if len(calls) != 2 {
		t.Fatalf("platform saw %d connects, want 2", len(calls))
	}
	if calls[1].Cfg.Token != "tok-1" || calls[1].Cfg.AgentID != "agent-1" {
		t.Errorf("token stage config = %+v", calls[1].Cfg)
	}
	if m.signedCalls != 0 {
		t.Error("signed url must not be minted when the token stage succeeds")
	}

	// The ladder stays in connecting throughout; no disconnected in between.
	for _, s := range rec.statusLog() {
		if s == StatusDisconnected {
			t.Errorf("status log %v dipped to disconnected mid-ladder", rec.statusLog())
		}
	}
}

func TestConnect_FallsBackToSignedURL(t *testing.T) {
	sess := convaimock.NewSession("conv-signed")
	p := &convaimock.Platform{}
	p.ConnectFunc = func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
		if cfg.SignedURL == "" {
			return nil, errors.New("rejected")
		}
		return sess, nil
	}
	m := &fakeMinter{token: "tok-1", signedURL: "wss://signed.example/conv"}
	c := newTestController(p, m, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	calls := p.Calls()
	if len(calls) != 3 {
		t.Fatalf("platform saw %d connects, want 3", len(calls))
	}
	last := calls[2].Cfg
	if last.SignedURL != "wss://signed.example/conv" {
		t.Errorf("signed stage url = %q", last.SignedURL)
	}
	if last.ConnectionType != convai.ConnectionWebRTC {
		t.Errorf("signed stage transport = %q, want the websocket fallback webrtc", last.ConnectionType)
	}
}

func TestConnect_AllStagesFail_FirstErrorWins(t *testing.T) {
	firstErr := errors.New("direct refused")
	p := &convaimock.Platform{}
	calls := 0
	p.ConnectFunc = func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
		calls++
		if calls == 1 {
			return nil, firstErr
		}
		return nil, errors.New("later stage refused")
	}
	m := &fakeMinter{token: "tok-1", signedURL: "wss://signed.example/conv"}
	rec := &recorder{}
	c := newTestController(p, m, rec)

	err := c.Connect(context.Background())
	if !errors.Is(err, firstErr) {
		t.Fatalf("Connect err = %v, want the first attempt's error", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", c.Status())
	}
	if got := c.Status().Label(); got != "Disconnected" {
		t.Errorf("label = %q, want Disconnected", got)
	}
	if !errors.Is(c.LastError(), firstErr) {
		t.Errorf("LastError = %v, want the first attempt's error", c.LastError())
	}
	if rec.errCount() != 1 {
		t.Errorf("observer saw %d errors, want 1", rec.errCount())
	}

	// Observers see the attempt open and settle back where it started.
	want := []Status{StatusConnecting, StatusDisconnected}
	got := rec.statusLog()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("status log = %v, want %v", got, want)
	}
}

func TestConnect_MintFailuresSkipStages(t *testing.T) {
	firstErr := errors.New("direct refused")
	p := &convaimock.Platform{ConnectErr: firstErr}
	m := &fakeMinter{tokenErr: errors.New("mint down"), signedErr: errors.New("mint down")}
	c := newTestController(p, m, nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, firstErr) {
		t.Fatalf("Connect err = %v, want the first attempt's error", err)
	}
	// Only the direct dial reached the platform.
	if len(p.Calls()) != 1 {
		t.Errorf("platform saw %d connects, want 1", len(p.Calls()))
	}
}

func TestSend_Connected(t *testing.T) {
	sess := convaimock.NewSession("conv-1")
	p := &convaimock.Platform{Session: sess}
	c := newTestController(p, nil, nil)

	_ = c.Connect(context.Background())
	if err := c.Send("hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := sess.SentMessages()
	if len(got) != 1 || got[0] != "hello" {
		t.Errorf("sent = %v, want [hello]", got)
	}
}

func TestSend_QueuesAndFlushesInOrder(t *testing.T) {
	stageErr := errors.New("not yet")
	release := make(chan struct{})
	p := &convaimock.Platform{}
	p.ConnectFunc = func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
		<-release
		return nil, stageErr
	}
	c := newTestController(p, nil, nil)

	// Both sends land in the queue; the first kicks a background connect
	// that is still blocked, so the second must not kick another.
	_ = c.Send("one")
	waitFor(t, "background connect to start", func() bool { return c.Status() == StatusConnecting })
	_ = c.Send("two")
	if c.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", c.Pending())
	}

	close(release)
	waitFor(t, "background connect to fail", func() bool { return c.Status() == StatusDisconnected })
	if c.Pending() != 2 {
		t.Fatalf("queue must survive a failed connect, pending = %d", c.Pending())
	}

	sess := convaimock.NewSession("conv-1")
	p.ConnectFunc = func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
		return sess, nil
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	got := sess.SentMessages()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("flushed = %v, want [one two]", got)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d after flush, want 0", c.Pending())
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	sess := convaimock.NewSession("conv-1")
	p := &convaimock.Platform{Session: sess}
	rec := &recorder{}
	c := newTestController(p, nil, rec)

	_ = c.Connect(context.Background())
	c.Disconnect()
	c.Disconnect()

	if c.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", c.Status())
	}
	if !sess.Closed() {
		t.Error("session should be closed")
	}

	// Exactly one disconnected notification despite the double call.
	n := 0
	for _, s := range rec.statusLog() {
		if s == StatusDisconnected {
			n++
		}
	}
	if n != 1 {
		t.Errorf("observer saw %d disconnected transitions, want 1", n)
	}
}

func TestRemoteClose_CleanEnd(t *testing.T) {
	sess := convaimock.NewSession("conv-1")
	p := &convaimock.Platform{Session: sess}
	rec := &recorder{}
	c := newTestController(p, nil, rec)

	_ = c.Connect(context.Background())
	_ = sess.Close()

	waitFor(t, "remote close to land", func() bool { return c.Status() == StatusDisconnected })
	if rec.errCount() != 0 {
		t.Errorf("clean remote close reported %d errors, want 0", rec.errCount())
	}
}

func TestRemoteClose_WithError(t *testing.T) {
	sess := convaimock.NewSession("conv-1")
	sess.CloseErrValue = errors.New("connection reset")
	p := &convaimock.Platform{Session: sess}
	rec := &recorder{}
	c := newTestController(p, nil, rec)

	_ = c.Connect(context.Background())
	_ = sess.Close()

	waitFor(t, "errored close to land", func() bool { return c.Status() == StatusDisconnected })
	if rec.errCount() != 1 {
		t.Errorf("observer saw %d errors, want 1", rec.errCount())
	}
	if c.LastError() == nil {
		t.Error("LastError should carry the session's terminal error")
	}
}

func TestDisconnect_DiscardsInFlightConnect(t *testing.T) {
	sess := convaimock.NewSession("conv-late")
	release := make(chan struct{})
	p := &convaimock.Platform{}
	p.ConnectFunc = func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
		<-release
		return sess, nil
	}
	c := newTestController(p, nil, nil)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	waitFor(t, "connect to start", func() bool { return c.Status() == StatusConnecting })

	c.Disconnect()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("superseded Connect should return nil, got %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("status = %v, want disconnected", c.Status())
	}
	waitFor(t, "stale session to be closed", sess.Closed)
}

func TestEventPump_DeliversInOrder(t *testing.T) {
	sess := convaimock.NewSession("conv-1")
	p := &convaimock.Platform{Session: sess}
	rec := &recorder{}
	c := newTestController(p, nil, rec)

	_ = c.Connect(context.Background())
	sess.Emit(convai.Event{Source: convai.SourceAgent, Text: "hi"})
	sess.Emit(convai.Event{Source: convai.SourceUser, Text: "heard you"})

	waitFor(t, "events to arrive", func() bool { return len(rec.eventLog()) == 2 })
	got := rec.eventLog()
	if got[0].Text != "hi" || got[0].Source != convai.SourceAgent {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Text != "heard you" || got[1].Source != convai.SourceUser {
		t.Errorf("second event = %+v", got[1])
	}
}

func TestConnect_TracesLadder(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	sess := convaimock.NewSession("conv-tok")
	p := &convaimock.Platform{}
	p.ConnectFunc = func(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
		if cfg.Token == "" {
			return nil, errors.New("agent is private")
		}
		return sess, nil
	}
	m := &fakeMinter{token: "tok-1"}
	c := newTestController(p, m, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	sp := spans[0]
	if sp.Name != "session.connect" {
		t.Errorf("span name = %q, want session.connect", sp.Name)
	}

	// The winning stage lands as an attribute, the failed direct stage as
	// an event.
	stage := ""
	for _, a := range sp.Attributes {
		if string(a.Key) == "connect.stage" {
			stage = a.Value.AsString()
		}
	}
	if stage != "token" {
		t.Errorf("connect.stage = %q, want token", stage)
	}
	failedStage := false
	for _, ev := range sp.Events {
		if ev.Name == "connect stage failed" {
			failedStage = true
		}
	}
	if !failedStage {
		t.Error("span is missing the failed direct stage event")
	}
}

func TestStatusLabels(t *testing.T) {
	tests := []struct {
		s    Status
		want string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting..."},
		{StatusConnected, "Connected"},
		{Status(99), "Disconnected"},
	}
	for _, tc := range tests {
		if got := tc.s.Label(); got != tc.want {
			t.Errorf("%v.Label() = %q, want %q", tc.s, got, tc.want)
		}
	}
}
