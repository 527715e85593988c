package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidVoices lists the upstream voice names known at the time of writing.
// Used by [Validate] to warn about likely typos; unknown names are not an
// error since the upstream adds voices faster than we release.
var ValidVoices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse",
}

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

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Upstream
	if cfg.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	} else if u, err := url.Parse(cfg.Upstream.URL); err != nil {
		errs = append(errs, fmt.Errorf("upstream.url: %w", err))
	} else {
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("upstream.url scheme %q is invalid; use ws, wss, http, or https", u.Scheme))
		}
	}
	if cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; upstream dials will be unauthenticated")
	}
	if cfg.Upstream.Voice != "" && !slices.Contains(ValidVoices, cfg.Upstream.Voice) {
		slog.Warn("unknown upstream voice — may be a typo or a newly released voice",
			"voice", cfg.Upstream.Voice,
			"known", ValidVoices,
		)
	}

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is negative", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d is negative", cfg.Audio.PlaybackRate))
	}
	if cfg.Audio.CaptureRate != 0 && cfg.Audio.CaptureRate != 24000 {
		slog.Warn("audio.capture_rate differs from the upstream native rate of 24000 Hz; samples will be resampled",
			"capture_rate", cfg.Audio.CaptureRate,
		)
	}

	// Reveal
	if cfg.Reveal.CharsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("reveal.chars_per_second %.2f is negative", cfg.Reveal.CharsPerSecond))
	}
	if cfg.Reveal.TickMillis < 0 {
		errs = append(errs, fmt.Errorf("reveal.tick_ms %d is negative", cfg.Reveal.TickMillis))
	}

	// Timeouts
	if cfg.Timeouts.Response < 0 {
		errs = append(errs, fmt.Errorf("timeouts.response %s is negative", cfg.Timeouts.Response))
	}
	if cfg.Timeouts.Shutdown < 0 {
		errs = append(errs, fmt.Errorf("timeouts.shutdown %s is negative", cfg.Timeouts.Shutdown))
	}

	// Relay
	if cfg.Relay.BufferDepth < 0 {
		errs = append(errs, fmt.Errorf("relay.buffer_depth %d is negative", cfg.Relay.BufferDepth))
	}

	// Token
	if cfg.Token.Secret == "" {
		errs = append(errs, errors.New("token.secret is required"))
	} else if len(cfg.Token.Secret) < 32 {
		errs = append(errs, fmt.Errorf("token.secret is %d bytes; at least 32 are required for HS256", len(cfg.Token.Secret)))
	}
	if cfg.Token.TTL < 0 {
		errs = append(errs, fmt.Errorf("token.ttl %s is negative", cfg.Token.TTL))
	}

	// Store
	if cfg.Store.PostgresDSN == "" {
		slog.Warn("store.postgres_dsn is empty; learner context and the fetch_context tool will not be available")
	}
	if cfg.Store.EmbeddingModel != "" && cfg.Store.EmbeddingDimensions <= 0 {
		slog.Warn("store.embedding_model is configured but store.embedding_dimensions is not set; defaulting to 1536")
	}

	// Cache
	if cfg.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl %s is negative", cfg.Cache.TTL))
	}

	return errors.Join(errs...)
}
