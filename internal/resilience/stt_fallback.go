package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertions.
var (
	_ stt.Provider   = (*STTFallback)(nil)
	_ stt.Recognizer = (*STTFallback)(nil)
)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// InterfaceType reports [stt.InterfaceStream] if any entry is a stream
// recognizer: the session cannot know in advance which entry will serve it,
// so side recognition is only allowed when every entry supports it.
func (f *STTFallback) InterfaceType() stt.InterfaceType {
	for _, e := range f.group.entries {
		if e.value.InterfaceType() == stt.InterfaceStream {
			return stt.InterfaceStream
		}
	}
	return stt.InterfaceNonStream
}

// StartStream opens a streaming transcription session against the first healthy
// provider. If the primary fails to start the stream, subsequent fallbacks are
// tried.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Recognize runs side recognition on the first healthy entry that supports
// it. Entries without [stt.Recognizer] fail with [provider.ErrUnsupportedConfig],
// which does not count against their breaker.
func (f *STTFallback) Recognize(ctx context.Context, frame audio.AudioFrame, cfg stt.StreamConfig) (stt.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Transcript, error) {
		r, ok := p.(stt.Recognizer)
		if !ok {
			return stt.Transcript{}, fmt.Errorf("resilience: %w: provider has no side recognition", provider.ErrUnsupportedConfig)
		}
		return r.Recognize(ctx, frame, cfg)
	})
}
