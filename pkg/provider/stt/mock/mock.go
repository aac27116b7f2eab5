// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig, to script connect failures, or to hold a connect open with
// Gate. Use Session to script the finals delivered after Finish and to
// inspect which audio chunks were delivered.
//
// Example:
//
//	p := &mock.Provider{Type: stt.InterfaceNonStream, Finals: []string{"hello"}}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Type is returned by InterfaceType. The zero value is InterfaceStream.
	Type stt.InterfaceType

	// Gate, if non-nil, blocks StartStream until it is closed or receives a
	// value, or until ctx is done. It lets tests observe the Connecting state.
	Gate chan struct{}

	// StartStreamErrs is consumed one entry per call; a nil entry or an
	// exhausted slice means success.
	StartStreamErrs []error

	// Finals are the texts each new session emits after Finish.
	Finals []string

	// FinishErr is reported by each new session's Err after Finish.
	FinishErr error

	// EndWithContext ties each new session to the context passed to
	// StartStream: once it is done the session ends with the context's error
	// and emits no finals, as the network providers do.
	EndWithContext bool

	// Sessions records every session handed out, in order.
	Sessions []*Session

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// InterfaceType returns Type.
func (p *Provider) InterfaceType() stt.InterfaceType { return p.Type }

// StartStream records the call, waits on Gate and returns either the next
// scripted error or a fresh Session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	var err error
	if len(p.StartStreamErrs) > 0 {
		err = p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
	}
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	s := NewSession(p.Finals...)
	s.FinishErr = p.FinishErr
	if p.EndWithContext {
		context.AfterFunc(ctx, func() { s.cancel(context.Cause(ctx)) })
	}
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// LastStartStreamCall returns the most recent StartStream call. ok is false
// when StartStream was never called. Thread-safe.
func (p *Provider) LastStartStreamCall() (call StartStreamCall, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.StartStreamCalls) == 0 {
		return StartStreamCall{}, false
	}
	return p.StartStreamCalls[len(p.StartStreamCalls)-1], true
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
	p.Sessions = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// RecognizeCall records a single invocation of Recognizer.Recognize.
type RecognizeCall struct {
	Frame audio.AudioFrame
	Cfg   stt.StreamConfig
}

// Recognizer is a non-stream Provider that also supports side recognition.
type Recognizer struct {
	Provider

	rmu sync.Mutex

	// Text is returned by every Recognize call.
	Text string

	// RecognizeErr, if non-nil, is returned by every Recognize call.
	RecognizeErr error

	// RecognizeCalls records every call to Recognize.
	RecognizeCalls []RecognizeCall
}

// NewRecognizer returns a Recognizer of type InterfaceNonStream.
func NewRecognizer(text string, finals ...string) *Recognizer {
	r := &Recognizer{Text: text}
	r.Type = stt.InterfaceNonStream
	r.Finals = finals
	return r
}

// Recognize records the call and returns Text, RecognizeErr.
func (r *Recognizer) Recognize(_ context.Context, frame audio.AudioFrame, cfg stt.StreamConfig) (stt.Transcript, error) {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	r.RecognizeCalls = append(r.RecognizeCalls, RecognizeCall{Frame: frame, Cfg: cfg})
	if r.RecognizeErr != nil {
		return stt.Transcript{}, r.RecognizeErr
	}
	return stt.Transcript{Text: r.Text, IsFinal: true}, nil
}

// RecognizeCallCount returns the number of Recognize calls. Thread-safe.
func (r *Recognizer) RecognizeCallCount() int {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	return len(r.RecognizeCalls)
}

var (
	_ stt.Provider   = (*Recognizer)(nil)
	_ stt.Recognizer = (*Recognizer)(nil)
)

// Session is a mock implementation of stt.SessionHandle. Audio is recorded;
// Finish emits the scripted finals and closes both channels.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	script   []string
	ended    bool
	err      error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// FinishErr is reported by Err once Finish has run.
	FinishErr error

	// --- Call records ---

	// Chunks records a copy of every chunk passed to SendAudio, in order.
	Chunks [][]byte

	// FinishCallCount is the number of times Finish was called.
	FinishCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a session that emits finals after Finish.
func NewSession(finals ...string) *Session {
	return &Session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, len(finals)+1),
		script:   finals,
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.Chunks = append(s.Chunks, cp)
	return s.SendAudioErr
}

// Partials returns the interim channel. The mock never sends partials.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Finish emits the scripted finals and closes both channels.
func (s *Session) Finish(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinishCallCount++
	if s.ended {
		return stt.ErrSessionClosed
	}
	for _, text := range s.script {
		s.finals <- stt.Transcript{Text: text, IsFinal: true}
	}
	s.err = s.FinishErr
	s.end()
	return nil
}

// Err returns FinishErr once Finish has run.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and closes both channels if still open.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.ended {
		s.end()
	}
	return nil
}

func (s *Session) cancel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.err = err
		s.end()
	}
}

func (s *Session) end() {
	s.ended = true
	close(s.partials)
	close(s.finals)
}

// ChunkCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Chunks)
}

// Audio returns every recorded chunk concatenated in order. Thread-safe.
func (s *Session) Audio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	for _, c := range s.Chunks {
		out = append(out, c...)
	}
	return out
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
