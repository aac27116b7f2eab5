// Package vad defines the Detector and Stream interfaces for Voice Activity
// Detection backends.
//
// A Detector wraps a frame-level speech classifier (e.g., Silero VAD) and
// surfaces it as independent, per-stream sessions. Each [Stream] owns its own
// inference state (recurrent model state, audio context, smoothing history),
// so concurrent audio streams never share mutable detector state.
//
// Streams are asynchronous: PushFrame enqueues audio and returns immediately;
// a single internal task runs inference and emits [Event] values that the
// consumer reads with Recv or Events. Audio capture is never blocked by
// inference latency.
//
// Implementations must be safe for concurrent use across different streams.
// PushFrame, Flush, EndInput and Close may be called from any goroutine; Recv
// and Events must be used by a single consumer.
package vad

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrIllegalState is returned by Stream methods called after EndInput or
// Close.
var ErrIllegalState = errors.New("vad: stream input already ended")

// Capabilities describes a detector's inference cadence.
type Capabilities struct {
	// UpdateInterval is the duration of audio consumed by one inference call.
	UpdateInterval time.Duration

	// SampleRate is the rate at which inference runs. Event frames are always
	// delivered at this rate, mono.
	SampleRate int
}

// Stream is an active VAD session for a single audio stream.
type Stream interface {
	// PushFrame enqueues frame for analysis. Frames may arrive at any cadence,
	// sample rate or channel count; the stream converts them to the model's
	// format. Returns [ErrIllegalState] after EndInput or Close.
	PushFrame(frame audio.AudioFrame) error

	// Flush marks a segment boundary without ending input. If the stream is
	// currently inside an utterance, an EndOfSpeech event carrying the
	// utterance so far is emitted and the speech/silence counters reset.
	// Samples that do not yet fill an inference window are kept.
	Flush() error

	// EndInput flushes and then closes the input. The internal task drains
	// everything pushed so far, emits the resulting events, and ends the
	// event sequence.
	EndInput() error

	// Close cancels the internal task, waits for it to stop with a bounded
	// timeout, discards queued frames and unread events, and ends the event
	// sequence. No event is delivered after Close returns. Calling Close more
	// than once is safe.
	Close() error

	// Recv returns the next event. It returns channel.ErrClosed once the
	// sequence has ended normally, or the task's failure if it stopped with
	// an error.
	Recv(ctx context.Context) (Event, error)

	// Events returns an iterator over the remaining events. A terminal error
	// other than end of stream is yielded once as the final element.
	Events(ctx context.Context) iter.Seq2[Event, error]
}

// Detector is the factory for VAD streams. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewStream simultaneously to create independent streams.
type Detector interface {
	// Capabilities reports the detector's inference window and rate.
	Capabilities() Capabilities

	// NewStream starts a new stream whose internal task lives until ctx is
	// cancelled, EndInput completes, or Close is called.
	NewStream(ctx context.Context) (Stream, error)
}
