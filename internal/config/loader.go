package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parley-chat/parley/pkg/convai"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Agent
	if cfg.Agent.AgentID == "" {
		errs = append(errs, fmt.Errorf("agent.agent_id is required"))
	}
	if ct := cfg.Agent.ConnectionType; ct != "" && !convai.ConnectionType(ct).IsValid() {
		errs = append(errs, fmt.Errorf("agent.connection_type %q is invalid; valid values: websocket, webrtc", ct))
	}
	if cfg.Agent.APIKey == "" {
		slog.Warn("agent.api_key is empty; credential minting is disabled and only public agents can be reached")
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Chat
	if cfg.Chat.DedupWindowMS < 0 {
		errs = append(errs, fmt.Errorf("chat.dedup_window_ms %d must not be negative", cfg.Chat.DedupWindowMS))
	}

	// Typing
	if m := cfg.Typing.Mode; m != "" && !m.IsValid() {
		errs = append(errs, fmt.Errorf("typing.mode %q is invalid; valid values: continuous, first-reply", m))
	}
	for i, b := range cfg.Typing.Bands {
		prefix := fmt.Sprintf("typing.bands[%d]", i)
		if b.CharsPerTick <= 0 {
			errs = append(errs, fmt.Errorf("%s.chars_per_tick must be positive", prefix))
		}
		if b.PerCharMS <= 0 {
			errs = append(errs, fmt.Errorf("%s.per_char_ms must be positive", prefix))
		}
		// Bands are selected by reply length, so the table must ascend.
		// Only the final band may leave max_chars unset.
		if i > 0 {
			prev := cfg.Typing.Bands[i-1]
			if prev.MaxChars == 0 {
				errs = append(errs, fmt.Errorf("typing.bands[%d].max_chars of 0 (unbounded) is only allowed for the last band", i-1))
			} else if b.MaxChars != 0 && b.MaxChars <= prev.MaxChars {
				errs = append(errs, fmt.Errorf("%s.max_chars %d must exceed the previous band's %d", prefix, b.MaxChars, prev.MaxChars))
			}
		}
	}

	// Dictation
	if cfg.Dictation.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("dictation.sample_rate %d must not be negative", cfg.Dictation.SampleRate))
	}
	if cfg.Dictation.APIKey == "" && (cfg.Dictation.Lang != "" || cfg.Dictation.Model != "") {
		slog.Warn("dictation is configured but dictation.api_key is empty; dictation will be unavailable")
	}

	// Discord
	if cfg.Discord.Token != "" && cfg.Discord.ChannelID == "" {
		errs = append(errs, fmt.Errorf("discord.channel_id is required when discord.token is set"))
	}

	return errors.Join(errs...)
}
