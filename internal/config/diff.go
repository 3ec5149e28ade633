package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; audio and
// transport settings require a session restart and are ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true if the name, language, or style changed.
	// The new persona takes effect on the next session.
	PersonaChanged bool

	// VoiceChanged is true if the prebuilt voice name changed.
	VoiceChanged bool
}

// Changed reports whether the diff contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.VoiceChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Persona != new.Persona {
		d.PersonaChanged = true
	}
	if old.Transport.Voice != new.Transport.Voice {
		d.VoiceChanged = true
	}

	return d
}
