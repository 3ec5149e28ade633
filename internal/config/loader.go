package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownVoices lists the prebuilt voices the service currently offers. Used by
// [Validate] to warn about likely typos.
var KnownVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

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

	// Transport
	if cfg.Transport.CredentialEndpoint == "" && cfg.Transport.APIKey == "" {
		errs = append(errs, errors.New("transport: one of credential_endpoint or api_key is required"))
	}
	if cfg.Transport.CredentialEndpoint != "" && cfg.Transport.APIKey != "" {
		slog.Warn("both transport.credential_endpoint and transport.api_key are set; the static key wins")
	}
	if voice := cfg.Transport.Voice; voice != "" && !slices.Contains(KnownVoices, voice) {
		slog.Warn("unknown voice name, may be a typo or a newly added voice",
			"voice", voice,
			"known", KnownVoices,
		)
	}

	// Audio
	if cfg.Audio.CaptureRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d must be positive", cfg.Audio.CaptureRate))
	}
	if cfg.Audio.PlaybackRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_rate %d must be positive", cfg.Audio.PlaybackRate))
	}
	if t := cfg.Audio.SilenceThreshold; t != nil && (*t < 0 || *t > 32767) {
		errs = append(errs, fmt.Errorf("audio.silence_threshold %d is out of range [0, 32767]", *t))
	}
	if cfg.Audio.BurstIdleWindow < 0 {
		errs = append(errs, fmt.Errorf("audio.burst_idle_window %v must not be negative", cfg.Audio.BurstIdleWindow))
	}

	// Mood
	if cfg.Mood.APIKey != "" && cfg.Mood.Model == "" {
		slog.Warn("mood.api_key is set but mood.model is empty; using the classifier default")
	}

	// Persistence
	if cfg.Persistence.PostgresDSN == "" {
		slog.Warn("persistence.postgres_dsn is empty; conversation turns will not be stored")
	}

	return errors.Join(errs...)
}
