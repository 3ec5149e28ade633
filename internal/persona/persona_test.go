package persona_test

import (
	"strings"
	"testing"

	"github.com/miravoice/mira/internal/config"
	"github.com/miravoice/mira/internal/persona"
)

func TestVoiceSystemInstruction_Defaults(t *testing.T) {
	t.Parallel()

	p := persona.New(config.PersonaConfig{})
	got := p.VoiceSystemInstruction()

	if !strings.HasPrefix(got, "You are Mira") {
		t.Errorf("instruction should open with the default name, got: %q", got)
	}
	if strings.Contains(got, "respond in") {
		t.Errorf("no language configured, instruction should not fix one: %q", got)
	}
}

func TestVoiceSystemInstruction_KnownLanguage(t *testing.T) {
	t.Parallel()

	p := persona.New(config.PersonaConfig{Name: "Luna", Language: "de-DE"})
	got := p.VoiceSystemInstruction()

	if !strings.Contains(got, "You are Luna") {
		t.Errorf("instruction should use the configured name: %q", got)
	}
	if !strings.Contains(got, "respond in German") {
		t.Errorf("de-DE should render as German: %q", got)
	}
}

func TestVoiceSystemInstruction_UnknownLanguagePassedThrough(t *testing.T) {
	t.Parallel()

	p := persona.New(config.PersonaConfig{Language: "tlh"})
	got := p.VoiceSystemInstruction()

	if !strings.Contains(got, "respond in tlh") {
		t.Errorf("unknown tags should pass through unchanged: %q", got)
	}
}

func TestVoiceSystemInstruction_Style(t *testing.T) {
	t.Parallel()

	p := persona.New(config.PersonaConfig{Style: "gentle, a little playful"})
	got := p.VoiceSystemInstruction()

	if !strings.Contains(got, "gentle, a little playful") {
		t.Errorf("style should be appended: %q", got)
	}
}

func TestVoiceSystemInstruction_Deterministic(t *testing.T) {
	t.Parallel()

	p := persona.New(config.PersonaConfig{Name: "Mira", Language: "en-US", Style: "warm"})
	if p.VoiceSystemInstruction() != p.VoiceSystemInstruction() {
		t.Error("instruction should be deterministic")
	}
}
