package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// TTS backends. Each backend has its own circuit breaker. Every entry must
// produce the same PCM format; [NewTTSFallback] and [TTSFallback.AddFallback]
// enforce it.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback. A provider
// whose output format differs from the primary's is rejected.
func (f *TTSFallback) AddFallback(name string, p tts.Provider) error {
	if want, got := f.Format(), p.Format(); want != got {
		return fmt.Errorf("resilience: tts fallback %q: %w: format %s, primary uses %s",
			name, provider.ErrUnsupportedConfig, got, want)
	}
	f.group.AddFallback(name, p)
	return nil
}

// Format returns the primary's output format, shared by all entries.
func (f *TTSFallback) Format() audio.Format {
	return f.group.Primary().Format()
}

// SynthesizeStream consumes text fragments and returns a channel of audio bytes,
// trying the first healthy provider. Only the initial stream setup is covered by
// failover; mid-stream errors end the audio channel early.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}
