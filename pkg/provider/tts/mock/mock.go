// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio to consumers and to verify which text
// fragments reached the TTS backend. By default every non-empty fragment is
// answered with SamplesPerFragment samples of silence.
//
// Example:
//
//	p := &mock.Provider{SampleRate: 16000, SamplesPerFragment: 1600}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SampleRate is reported by Format. Zero means 16000.
	SampleRate int

	// SamplesPerFragment is the number of silent samples emitted per text
	// fragment. Zero means 160 (10 ms at 16 kHz).
	SamplesPerFragment int

	// FragmentDelay, if positive, is slept before answering each fragment.
	FragmentDelay time.Duration

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// Texts records every fragment received, across all calls, in order.
	Texts []string
}

// Format returns mono PCM at SampleRate.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	return audio.Format{SampleRate: p.rate(), Channels: 1}
}

func (p *Provider) rate() int {
	if p.SampleRate > 0 {
		return p.SampleRate
	}
	return 16000
}

// SynthesizeStream records the call and answers each text fragment with a
// chunk of silence until text is closed or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	n := p.SamplesPerFragment
	if n <= 0 {
		n = 160
	}
	delay := p.FragmentDelay
	p.mu.Unlock()

	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		for {
			select {
			case s, ok := <-text:
				if !ok {
					return
				}
				if s == "" {
					continue
				}
				p.mu.Lock()
				p.Texts = append(p.Texts, s)
				p.mu.Unlock()
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				select {
				case ch <- make([]byte, n*2):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// ReceivedTexts returns a copy of every fragment received. Thread-safe.
func (p *Provider) ReceivedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Texts))
	copy(out, p.Texts)
	return out
}

// SynthesizeCallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.Texts = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
