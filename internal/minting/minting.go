// Package minting fetches short-lived session credentials from the local
// token endpoints.
//
// Private agents cannot be dialled with a bare agent ID. The credential
// service (see internal/tokenproxy) holds the platform API key and mints
// either a conversation token or a fully signed connect URL on demand. This
// client is the consumer side: it never sees the API key and it never caches
// a credential.
package minting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parley-chat/parley/internal/resilience"
)

// ErrUpstreamAuth indicates the credential service could not produce a usable
// credential, typically because its own upstream call was rejected.
var ErrUpstreamAuth = errors.New("minting: upstream could not mint a credential")

const (
	// DefaultTokenPath is the conversation-token endpoint path.
	DefaultTokenPath = "/api/conversation-token"

	// DefaultSignedURLPath is the signed-URL endpoint path.
	DefaultSignedURLPath = "/api/get-signed-url"

	defaultTimeout = 15 * time.Second

	// maxBodySize bounds credential responses. Tokens and signed URLs are
	// small; anything larger is a broken upstream.
	maxBodySize = 1 << 20
)

// Client fetches credentials from a credential service.
type Client struct {
	base          string
	tokenPath     string
	signedURLPath string
	httpc         *http.Client
	breaker       *resilience.Breaker
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithTokenPath overrides the conversation-token endpoint path.
func WithTokenPath(p string) Option {
	return func(c *Client) { c.tokenPath = p }
}

// WithSignedURLPath overrides the signed-URL endpoint path.
func WithSignedURLPath(p string) Option {
	return func(c *Client) { c.signedURLPath = p }
}

// WithBreaker guards credential fetches with a circuit breaker, so a dead
// credential service is backed off instead of being hit on every connect.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a Client for the credential service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:          strings.TrimRight(baseURL, "/"),
		tokenPath:     DefaultTokenPath,
		signedURLPath: DefaultSignedURLPath,
		httpc:         &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// tokenResponse is the conversation-token payload.
type tokenResponse struct {
	Token string `json:"token"`
}

// signedURLResponse tolerates both field spellings the service family has
// used for the signed URL.
type signedURLResponse struct {
	SignedURL  string `json:"signedUrl"`
	SignedURL2 string `json:"signed_url"`
}

// ConversationToken mints a fresh single-use conversation token.
func (c *Client) ConversationToken(ctx context.Context) (string, error) {
	body, err := c.get(ctx, c.tokenPath)
	if err != nil {
		return "", err
	}
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("minting: decoding token response: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("minting: token response carried no token: %w", ErrUpstreamAuth)
	}
	return resp.Token, nil
}

// SignedURL mints a fresh pre-signed connect URL.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	body, err := c.get(ctx, c.signedURLPath)
	if err != nil {
		return "", err
	}
	var resp signedURLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("minting: decoding signed-url response: %w", err)
	}
	u := resp.SignedURL
	if u == "" {
		u = resp.SignedURL2
	}
	if u == "" {
		return "", fmt.Errorf("minting: signed-url response carried no url: %w", ErrUpstreamAuth)
	}
	return u, nil
}

// get performs a credential fetch, through the breaker when one is
// installed. Credentials are single-use, so the request explicitly opts out
// of any intermediary caching.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if c.breaker == nil {
		return c.fetch(ctx, path)
	}
	var body []byte
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		body, err = c.fetch(ctx, path)
		return err
	})
	if errors.Is(err, resilience.ErrOpen) {
		return nil, fmt.Errorf("minting: credential service backed off: %w", err)
	}
	return body, err
}

func (c *Client) fetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("minting: building request for %s: %w", path, err)
	}
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("minting: requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("minting: reading response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("minting: %s returned status %d: %w", path, resp.StatusCode, ErrUpstreamAuth)
	}
	return body, nil
}
