// Package chatlog provides the ordered, append-only log of chat turns and
// the optimistic-echo deduplication that goes with it.
//
// The Store is the sole owner of message mutation. The only permitted
// mutation after creation is the in-place, append-only text growth of an
// assistant message while it is being revealed; once the reveal completes
// the message is immutable. Everyone else reads snapshots.
package chatlog

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/convai"
)

// DefaultDedupWindow is how long after a local send a server echo of the
// same text is suppressed. An empirical tuning constant, kept configurable.
const DefaultDedupWindow = 2000 * time.Millisecond

// From identifies the author of a chat message.
type From string

const (
	FromUser      From = "user"
	FromAssistant From = "assistant"
)

// Message is a single chat turn. Messages are immutable once created, except
// for an assistant message currently being revealed: its Text grows
// append-only until IsStreaming clears.
type Message struct {
	// ID is unique and never reused.
	ID string

	// From is the message author.
	From From

	// Text is the currently visible text. While IsStreaming is true it may be
	// a prefix of the final text.
	Text string

	// CreatedAt is when the message was created. A streaming message's
	// position in the log is fixed here, not at reveal completion.
	CreatedAt time.Time

	// IsStreaming is true only for an assistant message being revealed.
	IsStreaming bool
}

// AssistantRenderer receives assistant replies that pass normalization.
// The reply typing simulator implements this; when no renderer is set,
// assistant replies are appended directly.
type AssistantRenderer interface {
	Render(text string)
}

// Observer is notified of every finalized message: user appends, instant
// assistant appends, and assistant messages whose reveal just completed.
// Observers run synchronously under no Store lock and must return promptly.
type Observer func(Message)

// lastLocal is the deduplication record for the most recent local user send.
type lastLocal struct {
	text string
	at   time.Time
}

// Config configures a Store.
type Config struct {
	// DedupWindow is the echo-suppression window. Defaults to
	// DefaultDedupWindow if zero.
	DedupWindow time.Duration

	// Now is the clock used for timestamps and the dedup window.
	// Defaults to time.Now. Tests inject a fake.
	Now func() time.Time
}

// Store is the message log. All methods are safe for concurrent use.
type Store struct {
	dedupWindow time.Duration
	now         func() time.Time

	mu       sync.Mutex
	messages []Message
	index    map[string]int
	last     *lastLocal
	renderer AssistantRenderer
	observer Observer
}

// NewStore creates an empty Store with the given configuration.
func NewStore(cfg Config) *Store {
	window := cfg.DedupWindow
	if window <= 0 {
		window = DefaultDedupWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		dedupWindow: window,
		now:         now,
		index:       make(map[string]int),
	}
}

// SetRenderer installs the assistant renderer. Must be called during wiring,
// before events flow.
func (s *Store) SetRenderer(r AssistantRenderer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderer = r
}

// SetObserver installs the finalized-message observer. Must be called during
// wiring, before events flow.
func (s *Store) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// AppendUser records a locally composed user message. Whitespace is trimmed
// and empty input is ignored. The message is also recorded as the last local
// send for echo deduplication. Returns the appended message and true, or
// false for ignored input.
func (s *Store) AppendUser(text string) (Message, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, false
	}

	s.mu.Lock()
	ts := s.now()
	s.last = &lastLocal{text: trimmed, at: ts}
	msg := s.append(Message{From: FromUser, Text: trimmed, CreatedAt: ts})
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(msg)
	}
	return msg, true
}

// ReceiveIncoming handles a normalized inbound event. User-sourced text is
// checked against the last local send: an identical text arriving within the
// dedup window is discarded as the server's echo of the optimistic message;
// anything else is appended as out-of-band user input. Assistant-sourced
// text is routed to the renderer when one is installed.
//
// The return value reports whether the event made it into the log (or to the
// renderer): false means it was empty or suppressed as an echo.
func (s *Store) ReceiveIncoming(source convai.Source, rawText string) bool {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return false
	}

	if source == convai.SourceUser {
		s.mu.Lock()
		ts := s.now()
		if s.last != nil && s.last.text == text && ts.Sub(s.last.at) < s.dedupWindow {
			s.mu.Unlock()
			return false
		}
		msg := s.append(Message{From: FromUser, Text: text, CreatedAt: ts})
		observer := s.observer
		s.mu.Unlock()

		if observer != nil {
			observer(msg)
		}
		return true
	}

	s.mu.Lock()
	renderer := s.renderer
	s.mu.Unlock()
	if renderer != nil {
		renderer.Render(text)
		return true
	}
	s.AppendAssistant(text)
	return true
}

// AppendAssistant appends a fully rendered assistant message.
func (s *Store) AppendAssistant(text string) Message {
	s.mu.Lock()
	msg := s.append(Message{From: FromAssistant, Text: text, CreatedAt: s.now()})
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(msg)
	}
	return msg
}

// StartStreaming appends an empty assistant placeholder with IsStreaming set
// and returns its ID. The placeholder pins the message's position in the log.
func (s *Store) StartStreaming() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.append(Message{From: FromAssistant, CreatedAt: s.now(), IsStreaming: true})
	return msg.ID
}

// GrowStreaming replaces the visible text of a streaming message with a
// longer prefix of its target. Calls for unknown or already-completed
// messages are ignored; shrinking is refused to keep the reveal monotonic.
func (s *Store) GrowStreaming(id, prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok || !s.messages[i].IsStreaming {
		return
	}
	if len(prefix) < len(s.messages[i].Text) {
		return
	}
	s.messages[i].Text = prefix
}

// CompleteStreaming pins a streaming message to its full text and clears the
// streaming flag, making it immutable.
func (s *Store) CompleteStreaming(id, full string) {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok || !s.messages[i].IsStreaming {
		s.mu.Unlock()
		return
	}
	s.messages[i].Text = full
	s.messages[i].IsStreaming = false
	msg := s.messages[i]
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(msg)
	}
}

// DiscardStreaming removes a streaming placeholder, used when a reveal is
// cancelled before completion. Completed messages are never removed.
func (s *Store) DiscardStreaming(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok || !s.messages[i].IsStreaming {
		return
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	delete(s.index, id)
	for j := i; j < len(s.messages); j++ {
		s.index[s.messages[j].ID] = j
	}
}

// Snapshot returns a copy of the message log in append order.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// append assigns an ID, stores the message, and returns it.
// Must be called with s.mu held.
func (s *Store) append(msg Message) Message {
	msg.ID = newID(msg.CreatedAt)
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return msg
}

// newID builds a unique message ID from the creation time and a random
// suffix, so IDs sort roughly by creation and never collide in practice.
func newID(t time.Time) string {
	var buf [6]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%d-%s", t.UnixMilli(), hex.EncodeToString(buf[:]))
}
