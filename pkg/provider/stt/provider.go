// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram or a local
// whisper.cpp server) and exposes a uniform session interface. Once opened, a
// SessionHandle accepts raw PCM audio and emits two streams of Transcript
// values: low-latency partials for responsiveness and authoritative finals
// for the dialog.
//
// Providers declare how they consume audio through [InterfaceType]. Continuous
// stream recognizers keep decoder state across the whole session and cannot
// be asked for an intermediate result without disturbing it; non-stream
// recognizers transcribe buffered audio on demand. Non-stream providers may
// additionally implement [Recognizer] for side, non-consuming recognition.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrSessionClosed is returned by SessionHandle methods after Finish or
// Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// InterfaceType classifies how a provider consumes audio.
type InterfaceType int

const (
	// InterfaceStream is a continuous recognizer that owns stateful decoding
	// for the whole session. Side recognition mid-stream is unsupported.
	InterfaceStream InterfaceType = iota

	// InterfaceNonStream is a batch recognizer: audio is buffered and
	// transcribed when the session is finished.
	InterfaceNonStream
)

// String implements fmt.Stringer.
func (t InterfaceType) String() string {
	switch t {
	case InterfaceStream:
		return "stream"
	case InterfaceNonStream:
		return "non_stream"
	default:
		return "unknown"
	}
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Common value: 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if
	// supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as product names.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT session. It is an interface so that
// test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. The
	// chunk must match the SampleRate and Channels agreed in StreamConfig.
	// Calling SendAudio after Finish or Close returns [ErrSessionClosed].
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim Transcript values. The
	// channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of authoritative Transcript values.
	// The channel is closed when the session ends.
	Finals() <-chan Transcript

	// Finish signals the end of audio. The provider transcribes whatever is
	// still pending, emits the remaining finals and then closes Partials and
	// Finals. Finish returns once the stop signal has been handed to the
	// provider; it does not wait for the transcripts.
	Finish(ctx context.Context) error

	// Err returns the error that ended the session, or nil after a clean
	// end. It is only meaningful once Finals has been closed.
	Err() error

	// Close terminates the session immediately and releases all resources.
	// Pending transcripts may be lost. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per connected device).
type Provider interface {
	// InterfaceType reports whether the provider is a continuous stream
	// recognizer.
	InterfaceType() InterfaceType

	// StartStream opens a new transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Failures are classified into the provider error taxonomy
	// (pkg/provider) so callers can decide whether to retry.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Recognizer is implemented by providers that can transcribe a finished
// piece of audio without touching any session state. It backs speculative
// prefetch while an utterance is still in progress.
type Recognizer interface {
	Recognize(ctx context.Context, frame audio.AudioFrame, cfg StreamConfig) (Transcript, error)
}
