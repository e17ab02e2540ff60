package tts

// VoiceProfile selects the voice a session speaks with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is an optional BCP-47 tag for multilingual models.
	Language string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// the provider default.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}
