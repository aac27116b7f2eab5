package tts

// VoiceProfile selects and tunes the voice used for synthesis.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// SpeedFactor adjusts speaking rate (0.7–1.2 for ElevenLabs, 0 = default).
	SpeedFactor float64
}
