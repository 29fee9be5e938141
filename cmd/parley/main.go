// Command parley runs the agent chat widget with a terminal front end and
// an HTTP sidecar for credential minting, health, and metrics.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/parley-chat/parley/internal/app"
	"github.com/parley-chat/parley/internal/chatlog"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/dictation"
	"github.com/parley-chat/parley/internal/observe"
	"github.com/parley-chat/parley/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "poll the config file and hot-apply safe changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"agent_id", cfg.Agent.AgentID,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parley",
		AgentID:     cfg.Agent.AgentID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Assemble ──────────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg,
		app.WithLogger(logger, level),
		app.WithCallbacks(terminalCallbacks()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		if err := application.WatchConfig(*configPath); err != nil {
			slog.Warn("config watching disabled", "err", err)
		}
	}

	printStartupSummary(cfg, application.Addr())

	// ── Terminal chat loop ────────────────────────────────────────────────────
	go chatLoop(ctx, application, stop)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// terminalCallbacks renders widget events on stdout.
func terminalCallbacks() app.Callbacks {
	return app.Callbacks{
		OnStatus: func(s session.Status) {
			fmt.Printf("-- %s\n", s.Label())
		},
		OnMessage: func(m chatlog.Message) {
			switch m.From {
			case chatlog.FromUser:
				fmt.Printf("you   > %s\n", m.Text)
			default:
				fmt.Printf("agent > %s\n", m.Text)
			}
		},
		OnError: func(err error) {
			fmt.Printf("-- error: %v\n", err)
		},
		OnDictation: func(st dictation.State) {
			fmt.Printf("-- dictation: %s\n", st)
		},
	}
}

// chatLoop reads stdin lines and drives the widget. Lines starting with "/"
// are commands; anything else is sent as a chat message.
func chatLoop(ctx context.Context, application *app.App, stop func()) {
	w := application.Widget()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			stop()
			return
		case line == "/connect":
			if err := w.Connect(ctx); err != nil {
				fmt.Printf("-- connect failed: %v\n", err)
			}
		case line == "/disconnect":
			w.Disconnect()
		case line == "/status":
			fmt.Printf("-- %s\n", w.StatusLabel())
		case line == "/dictate":
			w.ToggleDictation()
		case line == "/draft":
			fmt.Printf("-- draft: %q\n", w.Draft())
		case line == "/send":
			if err := w.SendDraft(); err != nil {
				fmt.Printf("-- send failed: %v\n", err)
			}
		case line == "/history":
			for _, m := range w.Messages() {
				fmt.Printf("%s  [%s] %s\n", m.CreatedAt.Format("15:04:05"), m.From, m.Text)
			}
		case strings.HasPrefix(line, "/"):
			fmt.Println("-- commands: /connect /disconnect /status /dictate /draft /send /history /quit")
		default:
			if err := w.SendText(line); err != nil {
				fmt.Printf("-- send failed: %v\n", err)
			}
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, addr string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — startup             ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Agent", cfg.Agent.AgentID)
	printRow("Transport", string(cfg.Agent.SessionConnectionType()))
	if cfg.Agent.APIKey != "" {
		printRow("Minting", "local sidecar")
	} else {
		printRow("Minting", "(disabled)")
	}
	if cfg.Dictation.APIKey != "" {
		printRow("Dictation", cfg.Dictation.Lang)
	} else {
		printRow("Dictation", "(disabled)")
	}
	if cfg.Discord.Enabled() {
		printRow("Discord", cfg.Discord.ChannelID)
	} else {
		printRow("Discord", "(disabled)")
	}
	if cfg.Archive.PostgresDSN != "" {
		printRow("Archive", "postgres")
	} else {
		printRow("Archive", "(disabled)")
	}
	printRow("Sidecar", addr)
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("type a message and press enter; /quit to exit")
}

func printRow(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s : %-19s    ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := &slog.LevelVar{}
	switch level {
	case config.LogDebug:
		lv.Set(slog.LevelDebug)
	case config.LogWarn:
		lv.Set(slog.LevelWarn)
	case config.LogError:
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), lv
}
