// Package persona builds the companion's voice system instruction.
//
// The builder is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use. The generated instruction is injected verbatim into the
// transport handshake.
package persona

import (
	"fmt"
	"strings"

	"github.com/miravoice/mira/internal/config"
)

// defaultName is used when the config does not name the companion.
const defaultName = "Mira"

// languageNames maps the BCP 47 tags the app ships with to the language name
// spelled out in the instruction. Unlisted tags are passed through as-is.
var languageNames = map[string]string{
	"en-US": "English",
	"en-GB": "English",
	"de-DE": "German",
	"es-ES": "Spanish",
	"fr-FR": "French",
	"ja-JP": "Japanese",
	"pt-BR": "Brazilian Portuguese",
}

// Provider produces the voice system instruction for a session.
type Provider struct {
	cfg config.PersonaConfig
}

// New creates a Provider from the persona configuration.
func New(cfg config.PersonaConfig) *Provider {
	return &Provider{cfg: cfg}
}

// VoiceSystemInstruction renders the persona as a system instruction for the
// generative-audio service. Empty config sections are omitted rather than
// rendering as empty sentences.
func (p *Provider) VoiceSystemInstruction() string {
	name := strings.TrimSpace(p.cfg.Name)
	if name == "" {
		name = defaultName
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a caring AI companion in a voice conversation.", name)
	sb.WriteString(" Keep replies short and natural, like spoken conversation, not written text.")
	sb.WriteString(" Never mention that you are a language model.")

	if lang := p.language(); lang != "" {
		fmt.Fprintf(&sb, " Always respond in %s.", lang)
	}

	if style := strings.TrimSpace(p.cfg.Style); style != "" {
		fmt.Fprintf(&sb, "\n\nYour speaking style: %s", style)
	}

	return sb.String()
}

// language resolves the configured BCP 47 tag to a spelled-out name.
func (p *Provider) language() string {
	tag := strings.TrimSpace(p.cfg.Language)
	if tag == "" {
		return ""
	}
	if name, ok := languageNames[tag]; ok {
		return name
	}
	return tag
}
