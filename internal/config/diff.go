package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; anything else
// (listen address, store DSN, token secret) requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged means new sessions should use a different upstream voice.
	// Sessions already in flight keep the voice they started with.
	VoiceChanged bool
	NewVoice     string

	// InstructionsChanged means the session system prompt changed.
	InstructionsChanged bool

	// RevealChanged means the text reveal pacing changed.
	RevealChanged bool
	NewReveal     RevealConfig

	// CacheTTLChanged means newly stored speech entries get a different
	// lifetime. Existing entries keep their original expiry.
	CacheTTLChanged bool
}

// Changed reports whether any hot-reloadable field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.InstructionsChanged ||
		d.RevealChanged || d.CacheTTLChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Upstream.Voice != new.Upstream.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Upstream.Voice
	}

	if old.Upstream.Instructions != new.Upstream.Instructions {
		d.InstructionsChanged = true
	}

	if old.Reveal != new.Reveal {
		d.RevealChanged = true
		d.NewReveal = new.Reveal
	}

	if old.Cache.TTL != new.Cache.TTL {
		d.CacheTTLChanged = true
	}

	return d
}
