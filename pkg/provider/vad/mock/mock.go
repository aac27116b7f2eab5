// Package mock provides test doubles for the vad package interfaces.
//
// Use Detector to hand out scripted streams. Use Stream to replay a fixed
// event sequence and inspect the frames that were pushed.
//
// Example:
//
//	stream := mock.NewStream(
//	    vad.Event{Type: vad.StartOfSpeech},
//	    vad.Event{Type: vad.EndOfSpeech},
//	)
//	det := &mock.Detector{Stream: stream}
package mock

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/channel"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Caps is returned by Capabilities.
	Caps vad.Capabilities

	// Stream is returned by NewStream. If nil, a new empty Stream is created.
	Stream *Stream

	// NewStreamErr, if non-nil, is returned as the error from NewStream.
	NewStreamErr error

	// NewStreamCallCount is the number of times NewStream was called.
	NewStreamCallCount int
}

// Capabilities returns Caps.
func (d *Detector) Capabilities() vad.Capabilities { return d.Caps }

// NewStream records the call and returns Stream, NewStreamErr.
func (d *Detector) NewStream(_ context.Context) (vad.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.NewStreamCallCount++
	if d.NewStreamErr != nil {
		return nil, d.NewStreamErr
	}
	if d.Stream != nil {
		return d.Stream, nil
	}
	return NewStream(), nil
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)

// Stream is a mock implementation of vad.Stream. Events passed to NewStream
// or Emit are delivered in order; EndInput and Close end the sequence.
type Stream struct {
	events *channel.Chan[vad.Event]

	mu     sync.Mutex
	ended  bool
	closed bool

	// Pushed records every frame passed to PushFrame.
	Pushed []audio.AudioFrame

	// FlushCallCount is the number of times Flush was called.
	FlushCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Err, if non-nil, is returned by Recv once the scripted events are
	// drained.
	Err error
}

// NewStream returns a Stream that will deliver events.
func NewStream(events ...vad.Event) *Stream {
	s := &Stream{events: channel.New[vad.Event]()}
	for _, ev := range events {
		_ = s.events.Send(ev)
	}
	return s
}

// Emit queues an additional event.
func (s *Stream) Emit(ev vad.Event) error { return s.events.Send(ev) }

// PushFrame records the frame.
func (s *Stream) PushFrame(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return vad.ErrIllegalState
	}
	s.Pushed = append(s.Pushed, frame)
	return nil
}

// Flush records the call.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return vad.ErrIllegalState
	}
	s.FlushCallCount++
	return nil
}

// EndInput ends the event sequence after the queued events.
func (s *Stream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return vad.ErrIllegalState
	}
	s.ended = true
	s.events.Close()
	return nil
}

// Close discards unread events and ends the sequence.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.closed = true
	s.events.Abort()
	return nil
}

// Recv returns the next scripted event.
func (s *Stream) Recv(ctx context.Context) (vad.Event, error) {
	ev, err := s.events.Recv(ctx)
	if errors.Is(err, channel.ErrClosed) && s.Err != nil {
		return ev, s.Err
	}
	return ev, err
}

// Events iterates over the scripted events.
func (s *Stream) Events(ctx context.Context) iter.Seq2[vad.Event, error] {
	return func(yield func(vad.Event, error) bool) {
		for {
			ev, err := s.Recv(ctx)
			if errors.Is(err, channel.ErrClosed) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}

// PushedFrames returns a copy of the recorded frames. Thread-safe.
func (s *Stream) PushedFrames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Pushed...)
}

// Ensure Stream implements vad.Stream at compile time.
var _ vad.Stream = (*Stream)(nil)
