package vad

import (
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// EventType enumerates VAD stream events.
type EventType int

const (
	// StartOfSpeech is emitted once speech has lasted at least the minimum
	// speech duration.
	StartOfSpeech EventType = iota

	// InferenceDone is emitted after every inference window.
	InferenceDone

	// EndOfSpeech is emitted once silence has lasted longer than the minimum
	// silence duration, or when a segment boundary is forced while speaking.
	EndOfSpeech
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case StartOfSpeech:
		return "start_of_speech"
	case InferenceDone:
		return "inference_done"
	case EndOfSpeech:
		return "end_of_speech"
	default:
		return "unknown"
	}
}

// Event is a single VAD stream event. Events are immutable once emitted and
// consumed exactly once.
type Event struct {
	// Type is the event kind.
	Type EventType

	// SamplesIndex is the number of model-rate samples processed when the
	// event was produced.
	SamplesIndex int

	// Timestamp is the stream position of the event (SamplesIndex expressed
	// as a duration).
	Timestamp time.Duration

	// SpeechDuration is the voiced audio accumulated in the current
	// utterance.
	SpeechDuration time.Duration

	// SilenceDuration is the trailing silence accumulated so far.
	SilenceDuration time.Duration

	// Frames depends on Type:
	//   - StartOfSpeech: audio since the last silence boundary, including
	//     prefix padding.
	//   - InferenceDone: the window just processed.
	//   - EndOfSpeech: the full utterance.
	Frames []audio.AudioFrame

	// Probability is the smoothed speech probability (0.0–1.0).
	Probability float64

	// RawProbability is the unsmoothed model output. Only set for
	// InferenceDone.
	RawProbability float64

	// InferenceDuration is the wall-clock inference latency. Only set for
	// InferenceDone.
	InferenceDuration time.Duration

	// Speaking reports whether the stream is inside an utterance after this
	// event.
	Speaking bool
}
