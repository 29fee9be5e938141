// Package tokenproxy serves the credential endpoints that keep the platform
// API key off the client.
//
// It exposes two GET routes, /api/conversation-token and /api/get-signed-url.
// Each forwards to the platform's REST API with the configured API key,
// re-shapes the response, and marks it non-cacheable. Credentials are
// single-use; a cached one is a broken one.
package tokenproxy

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultUpstream is the platform REST API base.
	DefaultUpstream = "https://api.elevenlabs.io"

	tokenUpstreamPath     = "/v1/convai/conversation/token"
	signedURLUpstreamPath = "/v1/convai/conversation/get-signed-url"

	defaultTimeout = 15 * time.Second

	maxBodySize = 1 << 20
)

// Config assembles a Handler.
type Config struct {
	// AgentID is forwarded to the upstream mint calls. Required.
	AgentID string

	// APIKey authenticates against the upstream. Required.
	APIKey string

	// Upstream overrides the platform API base. Defaults to DefaultUpstream.
	Upstream string

	// HTTPClient overrides the outbound client.
	HTTPClient *http.Client

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("tokenproxy: agent id must be set")
	}
	if c.APIKey == "" {
		return fmt.Errorf("tokenproxy: api key must be set")
	}
	return nil
}

// Handler implements the credential endpoints.
type Handler struct {
	agentID  string
	apiKey   string
	upstream string
	httpc    *http.Client
	log      *slog.Logger
}

// New creates a Handler from cfg.
func New(cfg Config) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	up := cfg.Upstream
	if up == "" {
		up = DefaultUpstream
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		agentID:  cfg.AgentID,
		apiKey:   cfg.APIKey,
		upstream: strings.TrimRight(up, "/"),
		httpc:    httpc,
		log:      log,
	}, nil
}

// Register mounts the credential routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/conversation-token", getOnly(h.handleToken))
	mux.HandleFunc("/api/get-signed-url", getOnly(h.handleSignedURL))
}

// getOnly emulates the "GET /path" ServeMux patterns of Go 1.22+ on the
// Go 1.21 toolchain: GET and HEAD are served, anything else gets 405.
func getOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// handleToken mints a conversation token.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	body, ok := h.fetch(w, r, tokenUpstreamPath)
	if !ok {
		return
	}
	var upstream struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &upstream); err != nil || upstream.Token == "" {
		h.log.Error("upstream token response malformed", "err", err)
		h.writeError(w, http.StatusBadGateway, "upstream returned no token")
		return
	}
	h.writeJSON(w, map[string]string{"token": upstream.Token})
}

// handleSignedURL mints a pre-signed connect URL.
func (h *Handler) handleSignedURL(w http.ResponseWriter, r *http.Request) {
	body, ok := h.fetch(w, r, signedURLUpstreamPath)
	if !ok {
		return
	}
	var upstream struct {
		SignedURL  string `json:"signed_url"`
		SignedURL2 string `json:"signedUrl"`
	}
	if err := json.Unmarshal(body, &upstream); err != nil {
		h.log.Error("upstream signed-url response malformed", "err", err)
		h.writeError(w, http.StatusBadGateway, "upstream returned no signed url")
		return
	}
	u := upstream.SignedURL
	if u == "" {
		u = upstream.SignedURL2
	}
	if u == "" {
		h.writeError(w, http.StatusBadGateway, "upstream returned no signed url")
		return
	}
	h.writeJSON(w, map[string]string{"signedUrl": u})
}

// fetch calls the upstream mint endpoint and returns its body. On failure it
// writes the error response itself and returns ok=false.
func (h *Handler) fetch(w http.ResponseWriter, r *http.Request, path string) ([]byte, bool) {
	u := h.upstream + path + "?agent_id=" + url.QueryEscape(h.agentID)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u, nil)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "building upstream request failed")
		return nil, false
	}
	req.Header.Set("xi-api-key", h.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpc.Do(req)
	if err != nil {
		h.log.Error("upstream mint request failed", "path", path, "err", err)
		h.writeError(w, http.StatusBadGateway, "upstream request failed")
		return nil, false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "reading upstream response failed")
		return nil, false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		h.log.Warn("upstream mint rejected", "path", path, "status", resp.StatusCode)
		h.writeError(w, http.StatusBadGateway, "upstream rejected the mint request")
		return nil, false
	}
	return body, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("writing credential response failed", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
