package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/session"
	convaimock "github.com/parley-chat/parley/pkg/convai/mock"
	speechmock "github.com/parley-chat/parley/pkg/speech/mock"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Agent: config.AgentConfig{
			AgentID: "agent-1",
		},
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			StateDir:   t.TempDir(),
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg,
		WithPlatform(&convaimock.Platform{Session: convaimock.NewSession("conv-1")}),
		WithSpeechFactory(&speechmock.Factory{}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_PersistsIdentity(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	data, err := os.ReadFile(filepath.Join(cfg.Server.StateDir, "user_id"))
	if err != nil {
		t.Fatalf("reading identity file: %v", err)
	}
	if len(data) == 0 {
		t.Error("identity file is empty")
	}
	if a.Widget() == nil {
		t.Error("widget not assembled")
	}
}

func TestRun_ServesSidecarAndStopsOnCancel(t *testing.T) {
	disabled := false
	cfg := testConfig(t)
	cfg.Agent.AutoConnect = &disabled
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://" + a.Addr()
	waitForHTTP(t, base+"/healthz")

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}

	// Without an api_key the credential endpoints must not be mounted.
	resp, err := http.Get(base + "/api/conversation-token")
	if err != nil {
		t.Fatalf("GET token endpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("token endpoint without api_key = %d, want 404", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestRun_AutoConnectOpensSession(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Widget().Status() == session.StatusConnected {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("widget status = %v, want connected", a.Widget().Status())
}

func TestApplyConfig_HotReloadsLogLevel(t *testing.T) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelInfo)
	cfg := testConfig(t)

	a, err := New(context.Background(), cfg,
		WithPlatform(&convaimock.Platform{}),
		WithSpeechFactory(&speechmock.Factory{}),
		WithLogger(slog.Default(), level),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	updated := *cfg
	updated.Server.LogLevel = config.LogDebug
	a.applyConfig(cfg, &updated)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
}

func TestNew_MountsTokenProxyWithAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.APIKey = "xi-secret"
	disabled := false
	cfg.Agent.AutoConnect = &disabled
	a := newTestApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	base := "http://" + a.Addr()
	waitForHTTP(t, base+"/healthz")

	// The upstream is unreachable in tests, so the proxy answers 502 — the
	// point is that the route exists.
	resp, err := http.Get(base + "/api/conversation-token")
	if err != nil {
		t.Fatalf("GET token endpoint: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		t.Error("token endpoint should be mounted when api_key is set")
	}
}

// waitForHTTP polls url until it answers or the deadline passes.
func waitForHTTP(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", url)
}
