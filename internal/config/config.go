// Package config provides the configuration schema and loader for the Mira
// voice companion.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Mira.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transport   TransportConfig   `yaml:"transport"`
	Audio       AudioConfig       `yaml:"audio"`
	Persona     PersonaConfig     `yaml:"persona"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Mood        MoodConfig        `yaml:"mood"`
}

// ServerConfig holds the local admin endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the health/metrics endpoint listens on
	// (e.g., ":8080"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig holds settings for the duplex connection to the
// generative-audio service.
type TransportConfig struct {
	// Model is the generative-audio model identifier.
	// Leave empty to use the built-in default.
	Model string `yaml:"model"`

	// Voice is the prebuilt voice name (e.g., "Aoede", "Kore").
	Voice string `yaml:"voice"`

	// BaseURL overrides the service's WebSocket endpoint.
	// Leave empty to use the production endpoint.
	BaseURL string `yaml:"base_url"`

	// CredentialEndpoint is the HTTPS endpoint that exchanges the device
	// identity for a short-lived API key.
	CredentialEndpoint string `yaml:"credential_endpoint"`

	// APIKey is a static key used instead of the credential endpoint.
	// Intended for development only.
	APIKey string `yaml:"api_key"`
}

// AudioConfig holds capture and playback tuning.
type AudioConfig struct {
	// CaptureRate is the microphone sample rate in Hz. Default: 16000.
	CaptureRate int `yaml:"capture_rate"`

	// PlaybackRate is the output device sample rate in Hz. Default: 24000.
	PlaybackRate int `yaml:"playback_rate"`

	// SilenceThreshold is the per-sample amplitude below which a capture
	// block is considered silent and dropped. 0 disables the gate.
	// Unset (absent) uses the built-in default of 500.
	SilenceThreshold *int `yaml:"silence_threshold"`

	// BurstIdleWindow is the quiescence period that seals a playback burst.
	// Default: 500ms.
	BurstIdleWindow time.Duration `yaml:"burst_idle_window"`
}

// PersonaConfig describes the companion's personality.
type PersonaConfig struct {
	// Name is the companion's display name (e.g., "Mira").
	Name string `yaml:"name"`

	// Language is the BCP 47 tag of the conversation language (e.g., "en-US").
	Language string `yaml:"language"`

	// Style is a free-text description of the companion's speaking style,
	// appended to the generated system instruction.
	Style string `yaml:"style"`
}

// PersistenceConfig holds settings for the conversation turn store.
type PersistenceConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the turn store.
	// Empty disables persistence.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MoodConfig holds settings for the turn mood classifier.
type MoodConfig struct {
	// APIKey authenticates against the classification API. Empty disables
	// mood analysis.
	APIKey string `yaml:"api_key"`

	// Model selects the classification model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// BaseURL overrides the classification API endpoint.
	BaseURL string `yaml:"base_url"`
}
