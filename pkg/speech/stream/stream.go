// Package stream provides a speech.Factory backed by the Deepgram streaming
// WebSocket API. Audio is fed in by the host via Recognizer.WriteAudio and
// transcripts come back through the speech.Callbacks.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/parley-chat/parley/pkg/speech"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Factory.
type Option func(*Factory)

// WithEndpoint overrides the streaming endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(f *Factory) {
		f.endpoint = endpoint
	}
}

// WithModel sets the recognition model (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(f *Factory) {
		f.model = model
	}
}

// WithSampleRate sets the audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(f *Factory) {
		f.sampleRate = rate
	}
}

// Factory implements speech.Factory over the Deepgram streaming API.
// The capability is available when an API key is configured.
type Factory struct {
	apiKey     string
	endpoint   string
	model      string
	sampleRate int
}

// New creates a Factory. An empty apiKey yields an unavailable capability
// rather than an error, so hosts can construct the factory unconditionally
// and probe it later.
func New(apiKey string, opts ...Option) *Factory {
	f := &Factory{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Available reports whether the capability is usable.
func (f *Factory) Available() bool {
	return f.apiKey != ""
}

// New constructs a recognizer for a single dictation session.
func (f *Factory) New(cfg speech.Config, cb speech.Callbacks) (speech.Recognizer, error) {
	if !f.Available() {
		return nil, speech.ErrUnavailable
	}
	wsURL, err := f.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("stream: build URL: %w", err)
	}
	return &Recognizer{
		factory: f,
		url:     wsURL,
		cfg:     cfg,
		cb:      cb,
		done:    make(chan struct{}),
	}, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (f *Factory) buildURL(cfg speech.Config) (string, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", f.model)
	q.Set("punctuate", "true")
	q.Set("sample_rate", strconv.Itoa(f.sampleRate))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.Lang != "" {
		q.Set("language", cfg.Lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Ensure Factory implements speech.Factory at compile time.
var _ speech.Factory = (*Factory)(nil)

// transcriptResponse is the JSON structure of a streaming Results frame.
type transcriptResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Recognizer is a live streaming recognition session. It implements
// speech.Recognizer; hosts additionally feed captured audio via WriteAudio.
type Recognizer struct {
	factory *Factory
	url     string
	cfg     speech.Config
	cb      speech.Callbacks

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool

	done    chan struct{}
	endOnce sync.Once
}

// Start dials the streaming endpoint and begins delivering results.
func (r *Recognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("stream: recognizer already started")
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.factory.apiKey)

	conn, _, err := websocket.Dial(context.Background(), r.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("stream: dial: %w", err)
	}

	r.conn = conn
	r.started = true
	go r.readLoop(conn)
	return nil
}

// WriteAudio delivers a raw PCM chunk for recognition. Chunks written before
// Start or after termination are dropped.
func (r *Recognizer) WriteAudio(chunk []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("stream: write audio: %w", err)
	}
	return nil
}

// Stop requests a graceful end. Buffered audio is flushed upstream so a
// trailing final transcript can still arrive before the session closes.
func (r *Recognizer) Stop() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		r.end()
		return
	}
	// The close frame tells the service to flush and finish; the read loop
	// observes the resulting socket close and fires OnEnd.
	_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
}

// Abort terminates immediately, discarding pending audio.
func (r *Recognizer) Abort() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "aborted")
	}
	r.end()
}

// readLoop receives transcript frames until the socket closes.
func (r *Recognizer) readLoop(conn *websocket.Conn) {
	defer r.end()

	for {
		_, msg, err := conn.Read(context.Background())
		if err != nil {
			select {
			case <-r.done:
				// Already terminated via Abort; suppress the read error.
			default:
				status := websocket.CloseStatus(err)
				if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					return
				}
				if r.cb.OnError != nil {
					r.cb.OnError(fmt.Errorf("stream: read: %w", err))
				}
			}
			return
		}

		var resp transcriptResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
			continue
		}
		text := resp.Channel.Alternatives[0].Transcript
		if text == "" {
			continue
		}
		if !resp.IsFinal && !r.cfg.InterimResults {
			continue
		}

		if r.cb.OnResult != nil {
			r.cb.OnResult(speech.Result{Transcript: text, IsFinal: resp.IsFinal})
		}

		// Single-utterance mode ends after the first final result.
		if resp.IsFinal && !r.cfg.Continuous {
			_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		}
	}
}

// end fires OnEnd exactly once and releases the connection.
func (r *Recognizer) end() {
	r.endOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		conn := r.conn
		r.conn = nil
		r.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "recognizer ended")
		}
		if r.cb.OnEnd != nil {
			r.cb.OnEnd()
		}
	})
}
