// Package widget composes the conversational pieces — session controller,
// message log, reply typist, and dictation — into a single embeddable unit
// with host-facing callbacks.
package widget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/archive"
	"github.com/parley-chat/parley/internal/chatlog"
	"github.com/parley-chat/parley/internal/dictation"
	"github.com/parley-chat/parley/internal/observe"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/typist"
	"github.com/parley-chat/parley/internal/vocab"
	"github.com/parley-chat/parley/pkg/convai"
	"github.com/parley-chat/parley/pkg/speech"
)

// archiveTimeout bounds a single background transcript write.
const archiveTimeout = 5 * time.Second

// Archiver persists finalized chat turns. *archive.Store satisfies it;
// a nil Archiver disables archiving.
type Archiver interface {
	WriteTurn(ctx context.Context, turn archive.Turn) error
}

// Config assembles a Widget.
type Config struct {
	// Platform opens remote agent sessions. Required.
	Platform convai.Platform

	// Minter mints fallback connect credentials. Optional.
	Minter session.Minter

	// AgentID is the agent to converse with. Required.
	AgentID string

	// UserID is the stable caller identity attached to sessions and turns.
	UserID string

	// ConnectionType selects the preferred transport.
	ConnectionType convai.ConnectionType

	// AutoConnect makes Start kick off the first connect attempt.
	AutoConnect bool

	// DedupWindow is the echo-suppression window for the message log.
	// Zero means chatlog.DefaultDedupWindow.
	DedupWindow time.Duration

	// TypingMode selects which agent replies get the paced reveal.
	TypingMode typist.Mode

	// Pacing is the reveal timing table. Zero value means defaults.
	Pacing typist.Pacing

	// Scheduler runs reveal ticks. Defaults to real timers; tests inject
	// a manual one.
	Scheduler typist.Scheduler

	// SpeechFactory provides the dictation capability. Optional; dictation
	// reports the capability as unavailable without it.
	SpeechFactory speech.Factory

	// DictationLang is the recognition language, e.g. "de-DE".
	DictationLang string

	// Vocabulary lists domain terms that finalized dictation transcripts
	// are corrected against. Optional.
	Vocabulary []string

	// Archiver receives every finalized turn. Optional.
	Archiver Archiver

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// OnStatus observes session status transitions, in order.
	OnStatus func(session.Status)

	// OnMessage observes every finalized message: user appends, instant
	// agent appends, and completed reveals.
	OnMessage func(chatlog.Message)

	// OnError observes connect, session, and dictation errors.
	OnError func(error)

	// OnDictation observes dictation state transitions.
	OnDictation func(dictation.State)
}

// Widget is the conversational unit a host embeds. It owns the wiring
// between its parts; hosts talk to it through its methods and the Config
// callbacks. All methods are safe for concurrent use.
type Widget struct {
	store    *chatlog.Store
	typ      *typist.Typist
	sess     *session.Controller
	dict     *dictation.Controller
	archiver Archiver
	metrics  *observe.Metrics
	log      *slog.Logger

	userID      string
	autoConnect bool

	onStatus    func(session.Status)
	onMessage   func(chatlog.Message)
	onError     func(error)
	onDictation func(dictation.State)

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu           sync.Mutex
	draft        string
	prevStatus   session.Status
	queued       int64
	revealStarts []time.Time
}

// New creates a Widget. It does not connect; call Start.
func New(cfg Config) *Widget {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	w := &Widget{
		archiver:    cfg.Archiver,
		metrics:     metrics,
		log:         log,
		userID:      cfg.UserID,
		autoConnect: cfg.AutoConnect,
		onStatus:    cfg.OnStatus,
		onMessage:   cfg.OnMessage,
		onError:     cfg.OnError,
		onDictation: cfg.OnDictation,
	}

	w.store = chatlog.NewStore(chatlog.Config{DedupWindow: cfg.DedupWindow})
	w.typ = typist.New(typist.Config{
		Store:        w.store,
		Scheduler:    cfg.Scheduler,
		Mode:         cfg.TypingMode,
		Pacing:       cfg.Pacing,
		OnRevealDone: w.revealDone,
	})
	w.store.SetRenderer(w.typ)
	w.store.SetObserver(w.finalized)

	w.sess = session.New(session.Config{
		Platform:       cfg.Platform,
		Minter:         cfg.Minter,
		AgentID:        cfg.AgentID,
		UserID:         cfg.UserID,
		ConnectionType: cfg.ConnectionType,
		OnStatus:       w.statusChanged,
		OnMessage:      w.eventReceived,
		OnError:        w.reportError,
		OnStage:        w.stageAttempted,
		Logger:         log,
	})

	dictCfg := dictation.Config{
		Factory:  cfg.SpeechFactory,
		Lang:     cfg.DictationLang,
		GetInput: w.Draft,
		SetInput: w.SetDraft,
		OnState:  w.dictationChanged,
		OnError:  w.reportError,
	}
	if corr := vocab.New(cfg.Vocabulary); !corr.Empty() {
		dictCfg.Correct = w.correctTranscript(corr)
	}
	w.dict = dictation.New(dictCfg)

	return w
}

// Start performs the one-time mount work. With AutoConnect set it runs the
// first connect attempt; repeated calls are no-ops, so a host may re-mount
// freely without re-triggering the connect.
func (w *Widget) Start(ctx context.Context) error {
	var err error
	w.startOnce.Do(func() {
		if w.autoConnect {
			err = w.Connect(ctx)
		}
	})
	return err
}

// Connect runs the session connect ladder and records its duration.
func (w *Widget) Connect(ctx context.Context) error {
	start := time.Now()
	err := w.sess.Connect(ctx)
	w.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	return err
}

// Disconnect closes the live session, if any.
func (w *Widget) Disconnect() {
	w.sess.Disconnect()
}

// SendText appends the text to the log as an optimistic user message and
// delivers it to the agent, queueing it when no session is open. Blank
// input is ignored.
func (w *Widget) SendText(text string) error {
	msg, ok := w.store.AppendUser(text)
	if !ok {
		return nil
	}

	path := "queued"
	if w.sess.Status() == session.StatusConnected {
		path = "live"
	}
	w.metrics.RecordMessageSent(context.Background(), path)
	if path == "queued" {
		w.metrics.QueuedMessages.Add(context.Background(), 1)
		w.mu.Lock()
		w.queued++
		w.mu.Unlock()
	}

	return w.sess.Send(msg.Text)
}

// SendDraft sends the current draft text and clears it.
func (w *Widget) SendDraft() error {
	w.mu.Lock()
	text := w.draft
	w.draft = ""
	w.mu.Unlock()
	if text == "" {
		return nil
	}
	return w.SendText(text)
}

// ToggleDictation starts dictation when idle and stops it when recording.
func (w *Widget) ToggleDictation() {
	w.dict.Toggle()
}

// DictationState returns the dictation machine state.
func (w *Widget) DictationState() dictation.State {
	return w.dict.State()
}

// Draft returns the host input text dictation merges into.
func (w *Widget) Draft() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// SetDraft replaces the host input text.
func (w *Widget) SetDraft(text string) {
	w.mu.Lock()
	w.draft = text
	w.mu.Unlock()
}

// Status returns the session status.
func (w *Widget) Status() session.Status {
	return w.sess.Status()
}

// StatusLabel returns the display label for the session status.
func (w *Widget) StatusLabel() string {
	return w.sess.Status().Label()
}

// LastError returns the error behind the most recent failed connect or
// errored session, if any.
func (w *Widget) LastError() error {
	return w.sess.LastError()
}

// Messages returns a snapshot of the message log in order.
func (w *Widget) Messages() []chatlog.Message {
	return w.store.Snapshot()
}

// Close tears the widget down: the pending reveal is cancelled, any live
// dictation is aborted, the session is closed, and in-flight archive writes
// are drained. Safe to call repeatedly.
func (w *Widget) Close() {
	w.closeOnce.Do(func() {
		w.typ.Cancel()
		if st := w.dict.State(); st == dictation.StateRecording || st == dictation.StateProcessing {
			w.metrics.RecordDictation(context.Background(), "aborted")
		}
		w.dict.Abort()
		w.sess.Disconnect()
		w.wg.Wait()
	})
}

// statusChanged tracks the live-session gauge and the queued-message drain,
// then forwards the transition to the host.
func (w *Widget) statusChanged(s session.Status) {
	ctx := context.Background()

	w.mu.Lock()
	prev := w.prevStatus
	w.prevStatus = s
	var drained int64
	if s == session.StatusConnected {
		drained = w.queued
		w.queued = 0
	}
	w.mu.Unlock()

	if s == session.StatusConnected && prev != session.StatusConnected {
		w.metrics.ActiveSessions.Add(ctx, 1)
	}
	if prev == session.StatusConnected && s != session.StatusConnected {
		w.metrics.ActiveSessions.Add(ctx, -1)
	}
	if drained > 0 {
		w.metrics.QueuedMessages.Add(ctx, -drained)
	}

	if w.onStatus != nil {
		w.onStatus(s)
	}
}

// eventReceived routes an inbound session event into the message log.
// Suppressed user echoes are counted, and the start of a paced reveal is
// timestamped so revealDone can report its duration.
func (w *Widget) eventReceived(ev convai.Event) {
	ctx := context.Background()
	w.metrics.RecordMessageReceived(ctx, string(ev.Source))

	wasRevealing := ev.Source == convai.SourceAgent && w.typ.Active()
	delivered := w.store.ReceiveIncoming(ev.Source, ev.Text)

	switch {
	case !delivered && ev.Source == convai.SourceUser:
		w.metrics.EchoesSuppressed.Add(ctx, 1)
	case delivered && ev.Source == convai.SourceAgent && !wasRevealing && w.typ.Active():
		w.mu.Lock()
		w.revealStarts = append(w.revealStarts, time.Now())
		w.mu.Unlock()
	}
}

// stageAttempted records one connect ladder stage outcome.
func (w *Widget) stageAttempted(stage string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	w.metrics.RecordConnectAttempt(context.Background(), stage, status)
}

// revealDone records how long the paced reveal of an agent reply ran.
func (w *Widget) revealDone(chars int) {
	w.mu.Lock()
	var started time.Time
	if len(w.revealStarts) > 0 {
		started = w.revealStarts[0]
		w.revealStarts = w.revealStarts[1:]
	}
	w.mu.Unlock()
	if started.IsZero() {
		return
	}
	w.metrics.RevealDuration.Record(context.Background(), time.Since(started).Seconds())
	w.log.Debug("reveal finished", "chars", chars)
}

// finalized handles every completed message: it notifies the host and hands
// the turn to the archiver in the background.
func (w *Widget) finalized(msg chatlog.Message) {
	if w.onMessage != nil {
		w.onMessage(msg)
	}
	if w.archiver == nil {
		return
	}

	turn := archive.Turn{
		SessionID: w.sess.SessionID(),
		UserID:    w.userID,
		Role:      string(msg.From),
		Text:      msg.Text,
		CreatedAt: msg.CreatedAt,
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := w.archiver.WriteTurn(ctx, turn); err != nil {
			w.metrics.RecordArchiveWrite(ctx, "error")
			w.log.Warn("archiving turn failed", "role", turn.Role, "err", err)
			return
		}
		w.metrics.RecordArchiveWrite(ctx, "ok")
	}()
}

// correctTranscript adapts the vocabulary corrector to the dictation hook
// and logs the replacements it made.
func (w *Widget) correctTranscript(corr *vocab.Corrector) func(string) string {
	return func(text string) string {
		out, corrections := corr.Correct(text)
		for _, c := range corrections {
			w.log.Debug("transcript corrected", "heard", c.Heard, "term", c.Term, "score", c.Score)
		}
		return out
	}
}

// dictationChanged forwards dictation transitions and counts finished
// sessions.
func (w *Widget) dictationChanged(st dictation.State) {
	switch st {
	case dictation.StateSuccess:
		w.metrics.RecordDictation(context.Background(), "success")
	case dictation.StateError:
		w.metrics.RecordDictation(context.Background(), "error")
	}
	if w.onDictation != nil {
		w.onDictation(st)
	}
}

// reportError forwards an error to the host.
func (w *Widget) reportError(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}
