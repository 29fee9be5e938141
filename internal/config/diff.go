package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TypingChanged is true when the typing mode or any pacing value changed.
	TypingChanged bool

	// DedupWindowChanged is true when the echo suppression window changed.
	DedupWindowChanged bool
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TypingChanged && !d.DedupWindowChanged
}

// Diff compares old and new configs and returns what changed.
// Endpoint and credential changes are deliberately not tracked; applying
// those requires a restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Typing.Mode != new.Typing.Mode ||
		old.Typing.StartDelayMS != new.Typing.StartDelayMS ||
		old.Typing.SentencePauseMS != new.Typing.SentencePauseMS ||
		old.Typing.ClausePauseMS != new.Typing.ClausePauseMS ||
		old.Typing.NewlinePauseMS != new.Typing.NewlinePauseMS ||
		!slices.Equal(old.Typing.Bands, new.Typing.Bands) {
		d.TypingChanged = true
	}

	if old.Chat.DedupWindowMS != new.Chat.DedupWindowMS {
		d.DedupWindowChanged = true
	}

	return d
}
