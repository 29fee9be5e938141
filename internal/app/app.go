// Package app assembles the Parley service: the chat widget, its HTTP
// sidecar (credential endpoints, health, metrics), and configuration
// reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/parley-chat/parley/internal/archive"
	"github.com/parley-chat/parley/internal/chatlog"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/dictation"
	"github.com/parley-chat/parley/internal/discord"
	"github.com/parley-chat/parley/internal/health"
	"github.com/parley-chat/parley/internal/identity"
	"github.com/parley-chat/parley/internal/minting"
	"github.com/parley-chat/parley/internal/observe"
	"github.com/parley-chat/parley/internal/resilience"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/tokenproxy"
	"github.com/parley-chat/parley/internal/widget"
	"github.com/parley-chat/parley/pkg/convai"
	"github.com/parley-chat/parley/pkg/convai/wsclient"
	"github.com/parley-chat/parley/pkg/speech"
	"github.com/parley-chat/parley/pkg/speech/stream"
)

// DefaultListenAddr is used when server.listen_addr is not configured.
const DefaultListenAddr = "127.0.0.1:8605"

// shutdownTimeout bounds the HTTP server drain during shutdown.
const shutdownTimeout = 10 * time.Second

// The widget is what the Discord bridge drives.
var _ discord.Chat = (*widget.Widget)(nil)

// App owns the assembled service. Create it with [New], drive it with
// [App.Run], and tear it down with [App.Shutdown].
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	widget  *widget.Widget
	archive *archive.Store
	bridge  *discord.Bridge
	watcher *config.Watcher

	onMessage func(chatlog.Message)

	ln     net.Listener
	server *http.Server
}

// Callbacks forwards widget events to the host front end.
type Callbacks struct {
	OnStatus    func(session.Status)
	OnMessage   func(chatlog.Message)
	OnError     func(error)
	OnDictation func(dictation.State)
}

// Option customises [New], mainly so tests can inject fakes.
type Option func(*options)

type options struct {
	platform  convai.Platform
	factory   speech.Factory
	logger    *slog.Logger
	level     *slog.LevelVar
	callbacks Callbacks
}

// WithCallbacks installs the host-facing widget callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(o *options) { o.callbacks = cb }
}

// WithPlatform overrides the remote session platform.
func WithPlatform(p convai.Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithSpeechFactory overrides the dictation capability.
func WithSpeechFactory(f speech.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithLogger sets the logger and, optionally, the level var that config
// reload adjusts.
func WithLogger(log *slog.Logger, level *slog.LevelVar) Option {
	return func(o *options) { o.logger = log; o.level = level }
}

// New assembles the service from cfg. The HTTP listener is bound here so
// the credential-minting client can point at the actual address; nothing
// serves until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = slog.Default()
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		level:   o.level,
		metrics: observe.DefaultMetrics(),
	}

	// Stable caller identity.
	stateDir := cfg.Server.StateDir
	if stateDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("app: resolving state dir: %w", err)
		}
		stateDir = filepath.Join(base, "parley")
	}
	userID, err := identity.Load(stateDir)
	if err != nil {
		return nil, fmt.Errorf("app: loading identity: %w", err)
	}
	log.Info("identity loaded", "user_id", userID, "state_dir", stateDir)

	// Optional transcript archive.
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		store, err := archive.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("app: opening archive: %w", err)
		}
		a.archive = store
		log.Info("transcript archive enabled")
	}

	// HTTP sidecar: bind now so the minting client knows its base URL.
	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("app: listening on %s: %w", addr, err)
	}
	a.ln = ln

	mux := http.NewServeMux()
	a.registerHandlers(mux)
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Credential minting goes through our own sidecar, like the endpoints
	// the embedding page would serve.
	var minter session.Minter
	if cfg.Agent.APIKey != "" {
		breaker := resilience.NewBreaker(resilience.BreakerConfig{
			Name:   "minting",
			Logger: log,
		})
		minter = minting.NewClient("http://"+ln.Addr().String(), minting.WithBreaker(breaker))
	} else {
		log.Warn("no agent api_key configured; connect fallback stages disabled")
	}

	platform := o.platform
	if platform == nil {
		var wsOpts []wsclient.Option
		if cfg.Agent.SessionEndpoint != "" {
			wsOpts = append(wsOpts, wsclient.WithEndpoint(cfg.Agent.SessionEndpoint))
		}
		platform = wsclient.New(wsOpts...)
	}

	factory := o.factory
	if factory == nil {
		var stOpts []stream.Option
		if cfg.Dictation.Endpoint != "" {
			stOpts = append(stOpts, stream.WithEndpoint(cfg.Dictation.Endpoint))
		}
		if cfg.Dictation.Model != "" {
			stOpts = append(stOpts, stream.WithModel(cfg.Dictation.Model))
		}
		if cfg.Dictation.SampleRate > 0 {
			stOpts = append(stOpts, stream.WithSampleRate(cfg.Dictation.SampleRate))
		}
		factory = stream.New(cfg.Dictation.APIKey, stOpts...)
	}

	a.widget = widget.New(widget.Config{
		Platform:       platform,
		Minter:         minter,
		AgentID:        cfg.Agent.AgentID,
		UserID:         userID,
		ConnectionType: cfg.Agent.SessionConnectionType(),
		AutoConnect:    cfg.Agent.AutoConnectEnabled(),
		DedupWindow:    cfg.Chat.DedupWindow(),
		TypingMode:     cfg.Typing.TypistMode(),
		Pacing:         cfg.Typing.Pacing(),
		SpeechFactory:  factory,
		DictationLang:  cfg.Dictation.Lang,
		Vocabulary:     cfg.Dictation.Vocabulary,
		Archiver:       a.archiver(),
		Metrics:        a.metrics,
		Logger:         log,
		OnStatus:       o.callbacks.OnStatus,
		OnMessage:      a.dispatchMessage,
		OnError:        o.callbacks.OnError,
		OnDictation:    o.callbacks.OnDictation,
	})
	a.onMessage = o.callbacks.OnMessage

	// Optional Discord bridge.
	if cfg.Discord.Enabled() {
		bridge, err := discord.New(cfg.Discord, a.widget, log)
		if err != nil {
			return nil, fmt.Errorf("app: starting discord bridge: %w", err)
		}
		a.bridge = bridge
		log.Info("discord bridge enabled", "channel", cfg.Discord.ChannelID)
	}

	return a, nil
}

// dispatchMessage fans a finalized message out to the host callback and the
// Discord bridge.
func (a *App) dispatchMessage(msg chatlog.Message) {
	if a.onMessage != nil {
		a.onMessage(msg)
	}
	if a.bridge != nil {
		a.bridge.HandleReply(msg)
	}
}

// archiver adapts the optional archive store to the widget's hook. A typed
// nil *archive.Store must not become a non-nil interface.
func (a *App) archiver() widget.Archiver {
	if a.archive == nil {
		return nil
	}
	return a.archive
}

// registerHandlers mounts the sidecar endpoints on mux.
func (a *App) registerHandlers(mux *http.ServeMux) {
	var checkers []health.Checker
	if a.archive != nil {
		checkers = append(checkers, health.Check("archive", a.archive.Ping))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("/metrics", promhttp.Handler())

	if a.cfg.Agent.APIKey != "" {
		proxy, err := tokenproxy.New(tokenproxy.Config{
			AgentID:  a.cfg.Agent.AgentID,
			APIKey:   a.cfg.Agent.APIKey,
			Upstream: a.cfg.Agent.PlatformURL,
			Logger:   a.log,
		})
		if err != nil {
			// Config was validated at load time; this is unreachable with a
			// loaded config but kept for direct construction.
			a.log.Error("token proxy disabled", "err", err)
			return
		}
		proxy.Register(mux)
	}
}

// WatchConfig starts polling path and hot-applies safe changes. Call before
// Run; the watcher stops on Shutdown.
func (a *App) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		a.applyConfig(old, new)
	})
	if err != nil {
		return fmt.Errorf("app: watching config: %w", err)
	}
	a.watcher = w
	return nil
}

// applyConfig hot-applies a config change. Only the log level takes effect
// live; everything else is reported as needing a restart.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		a.log.Info("config reloaded, no hot-applicable changes")
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(slogLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TypingChanged {
		a.log.Warn("typing settings changed; restart to apply")
	}
	if d.DedupWindowChanged {
		a.log.Warn("dedup window changed; restart to apply")
	}
}

// Addr returns the sidecar's bound address.
func (a *App) Addr() string {
	return a.ln.Addr().String()
}

// Widget returns the assembled chat widget for the host front end.
func (a *App) Widget() *widget.Widget {
	return a.widget
}

// Run serves the HTTP sidecar and starts the widget, blocking until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.Serve(a.ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	if a.bridge != nil {
		g.Go(func() error {
			if err := a.bridge.Run(ctx); !errors.Is(err, context.Canceled) {
				return fmt.Errorf("app: discord bridge: %w", err)
			}
			return nil
		})
	}

	// Auto-connect is unattended, so transient failures get a backoff retry
	// instead of waiting for a human. Giving up is not fatal; the widget
	// surfaces the error and the user can connect manually.
	go func() {
		if err := a.widget.Start(ctx); err == nil {
			return
		}
		retry := session.NewReconnector(session.ReconnectorConfig{
			Dialer: a.widget,
			Logger: a.log,
		})
		if err := retry.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("auto-connect gave up", "err", err)
		}
	}()

	a.log.Info("parley ready", "addr", a.Addr())
	return g.Wait()
}

// Shutdown stops the watcher, closes the widget and its session, and
// releases the archive pool.
func (a *App) Shutdown(ctx context.Context) error {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	_ = a.ln.Close()
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			a.log.Warn("closing discord bridge", "err", err)
		}
	}
	a.widget.Close()
	if a.archive != nil {
		a.archive.Close()
	}
	return nil
}

// slogLevel maps a config log level onto slog's levels.
func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
