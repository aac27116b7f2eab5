package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when you don't need the rest of a
// streaming channel (e.g., the PCM channel of an abandoned TTS stream).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
