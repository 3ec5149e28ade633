package config_test

import (
	"testing"

	"github.com/miravoice/mira/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.LogLevel = config.LogInfo
	cfg.Transport.Voice = "Aoede"
	cfg.Persona.Name = "Mira"
	cfg.Persona.Language = "en-US"
	cfg.Persona.Style = "warm"
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("identical configs should produce an empty diff, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()
	updated.Server.LogLevel = config.LogDebug

	d := config.Diff(old, updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v; want log level change to debug", d)
	}
	if d.PersonaChanged || d.VoiceChanged {
		t.Errorf("unrelated fields flagged: %+v", d)
	}
}

func TestDiff_Persona(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()
	updated.Persona.Style = "playful"

	d := config.Diff(old, updated)
	if !d.PersonaChanged {
		t.Errorf("diff = %+v; want persona change", d)
	}
}

func TestDiff_Voice(t *testing.T) {
	t.Parallel()

	old := baseConfig()
	updated := baseConfig()
	updated.Transport.Voice = "Kore"

	d := config.Diff(old, updated)
	if !d.VoiceChanged {
		t.Errorf("diff = %+v; want voice change", d)
	}
}
