// Package asr drives one speech segment through a streaming STT provider.
//
// A [Session] is created per segment. It opens the remote recognition
// connection asynchronously when speech starts, buffers audio while the
// connection is being established, replays that audio in order once the
// connection is up and then forwards live frames. A stop that arrives before
// the connection is ready is deferred until the handshake completes, so the
// voice-stop callback fires exactly once with the complete frame sequence no
// matter when the stop arrived.
//
// State machine:
//
//	Idle ──voice / Start──▶ Connecting ──connected──▶ Active ──Stop──▶ Closed
//	                            │                                        ▲
//	                            └──Stop──▶ StopPending ──connected───────┘
//
// Connect failures and Close end the segment from any state.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/resilience"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/channel"
	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/stt"
)

var (
	// ErrClosed is returned by ReceiveAudio and Start once the session has
	// reached its terminal state.
	ErrClosed = errors.New("asr: session closed")

	// ErrAbandoned is the result of a session that was closed before a
	// transcript was produced.
	ErrAbandoned = errors.New("asr: session abandoned")
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateStopPending
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStopPending:
		return "stop_pending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode selects what opens the recognition connection.
type Mode int

const (
	// ModeAuto connects on the first voiced frame.
	ModeAuto Mode = iota

	// ModeManual connects only on an explicit [Session.Start].
	ModeManual
)

// String returns "auto" or "manual".
func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

// ParseMode parses "auto" (or "") and "manual".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "manual":
		return ModeManual, nil
	}
	return ModeAuto, fmt.Errorf("asr: unknown mode %q", s)
}

// VoiceStopFunc receives every frame of the segment, in arrival order, once
// the stop has been forwarded to the provider.
type VoiceStopFunc func(ctx context.Context, frames []audio.AudioFrame)

// PrefetchFunc receives a speculative partial transcript.
type PrefetchFunc func(ctx context.Context, partial string)

const defaultCloseTimeout = 2 * time.Second

// Config holds the construction parameters of a [Session].
type Config struct {
	// Provider opens the recognition connection. Required.
	Provider stt.Provider

	// Stream is passed to Provider.StartStream.
	Stream stt.StreamConfig

	// Mode selects automatic or manual connection start.
	Mode Mode

	// PrefetchThreshold is the number of voiced frames after which a
	// speculative recognition runs. Default: [DefaultPrefetchThreshold].
	PrefetchThreshold int

	// OnPrefetch, if set, receives the speculative transcript. Prefetch is
	// disabled when nil.
	OnPrefetch PrefetchFunc

	// OnVoiceStop, if set, is called exactly once per segment that reached
	// the provider.
	OnVoiceStop VoiceStopFunc

	// Retry bounds the connection attempts.
	Retry resilience.RetryPolicy

	// CloseTimeout bounds how long Close waits for a pending connect to
	// stop. Default: 2s.
	CloseTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is the ASR state machine for one speech segment. All methods are
// safe for concurrent use. Close must be called once the session is no
// longer needed.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	prefetch *Prefetcher

	mu          sync.Mutex
	state       State
	pendingStop bool
	// stopSent is set once the stop has been queued behind the audio.
	stopSent bool
	// abandoned is set by Close.
	abandoned bool
	// buffered holds frames received before the connection was ready.
	buffered []audio.AudioFrame
	// frames holds every frame of the segment for the voice-stop callback.
	frames  []audio.AudioFrame
	handle  stt.SessionHandle
	connect *channel.Task
	ctx     context.Context
	cancel  context.CancelFunc

	// outbox carries audio to the provider in arrival order. A single
	// forward goroutine drains it, so no provider call runs under mu.
	outbox    *channel.Chan[[]byte]
	finished  chan struct{}
	finishErr error

	resultOnce sync.Once
	ready      chan struct{}
	result     string
	resultErr  error
}

// NewSession returns an idle session. cfg.Provider must not be nil.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("asr: provider must not be nil")
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		cfg:    cfg,
		logger: logger,
		ready:  make(chan struct{}),
	}
	if cfg.OnPrefetch != nil {
		s.prefetch = NewPrefetcher(cfg.Provider, cfg.PrefetchThreshold)
	}
	if s.cfg.Retry.OnRetry == nil {
		s.cfg.Retry.OnRetry = func(err error, wait time.Duration) {
			logger.Warn("asr: connect failed, retrying", "err", err, "kind", provider.Kind(err), "wait", wait)
		}
	}
	return s, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingStop reports whether a stop arrived before the connection was ready.
func (s *Session) PendingStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingStop
}

// Start opens the connection in manual mode. Frames received before Start
// are replayed once connected. Start on a session that is already connecting
// or active is a no-op. ctx bounds the lifetime of the connection.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		s.beginConnectLocked(ctx)
		return nil
	case StateClosed:
		return ErrClosed
	}
	return nil
}

// ReceiveAudio hands one frame to the session. voiceActive reports whether
// the VAD considers the frame speech.
//
// In auto mode, an idle session drops unvoiced frames and starts connecting
// on the first voiced one. Frames received while connecting (or while a stop
// is pending) are buffered; once active they are queued behind the replayed
// buffer, so buffered and live frames never interleave. ReceiveAudio never
// waits on the provider.
func (s *Session) ReceiveAudio(ctx context.Context, frame audio.AudioFrame, voiceActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateIdle:
		if s.cfg.Mode == ModeManual {
			s.buffered = append(s.buffered, frame)
			s.frames = append(s.frames, frame)
			return nil
		}
		if !voiceActive {
			return nil
		}
		s.buffered = append(s.buffered, frame)
		s.frames = append(s.frames, frame)
		s.beginConnectLocked(ctx)
	case StateConnecting, StateStopPending:
		s.buffered = append(s.buffered, frame)
		s.frames = append(s.frames, frame)
	case StateActive:
		s.frames = append(s.frames, frame)
		_ = s.outbox.Send(frame.Data())
	}

	s.maybePrefetchLocked(voiceActive)
	return nil
}

// Stop signals end of speech. While connecting the stop is deferred until the
// connection is ready; while active it is forwarded at once and the
// voice-stop callback fires. Stopping an idle session closes it with an empty
// transcript and no callback.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.state = StateClosed
		s.buffered = nil
		s.mu.Unlock()
		s.resolve("", nil)
		return nil
	case StateConnecting:
		s.pendingStop = true
		s.state = StateStopPending
		s.mu.Unlock()
		s.logger.Debug("asr: stop deferred until connected")
		return nil
	case StateActive:
		finished := s.closeLocked()
		s.mu.Unlock()
		select {
		case <-finished:
		case <-ctx.Done():
			return ctx.Err()
		}
		if s.finishErr != nil {
			return fmt.Errorf("asr: finish: %w", s.finishErr)
		}
		return nil
	}
	s.mu.Unlock()
	return nil
}

// Result blocks until the final transcript is available or ctx is done. A
// failed segment returns the error and no text.
func (s *Session) Result(ctx context.Context) (string, error) {
	select {
	case <-s.ready:
		return s.result, s.resultErr
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once Result would no longer block.
func (s *Session) Done() <-chan struct{} { return s.ready }

// Close abandons the session. A pending connect is cancelled, the provider
// connection is released and a Result that was not yet available reports
// [ErrAbandoned].
func (s *Session) Close() error {
	s.mu.Lock()
	s.state = StateClosed
	s.abandoned = true
	s.buffered = nil
	handle := s.handle
	task := s.connect
	cancel := s.cancel
	outbox := s.outbox
	s.mu.Unlock()

	if outbox != nil {
		outbox.Abort()
	}
	if cancel != nil {
		cancel()
	}
	var err error
	if task != nil {
		err = task.CancelAndWait(s.cfg.CloseTimeout)
		if err != nil && !errors.Is(err, channel.ErrTaskTimeout) {
			// Connect failures were already reported through Result.
			err = nil
		}
	}
	s.resolve("", ErrAbandoned)
	if handle != nil {
		if cerr := handle.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("asr: close: %w", err)
	}
	return nil
}

func (s *Session) beginConnectLocked(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = StateConnecting
	s.connect = channel.Go(s.ctx, s.runConnect)
}

// runConnect opens the provider connection. The connect task's context only
// bounds the retry waits; StartStream gets the session context because
// providers run their read loops until that context ends, and the handle
// outlives this task.
func (s *Session) runConnect(ctx context.Context) error {
	handle, err := resilience.Retry(ctx, s.cfg.Retry, func(context.Context) (stt.SessionHandle, error) {
		return s.cfg.Provider.StartStream(s.ctx, s.cfg.Stream)
	})
	if err != nil {
		s.failConnect(err)
		return err
	}
	s.activate(handle)
	return nil
}

func (s *Session) failConnect(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.buffered = nil
	s.mu.Unlock()

	s.logger.Error("asr: connect failed", "err", err, "kind", provider.Kind(err))
	s.resolve("", fmt.Errorf("asr: connect: %w", err))
}

// activate queues the buffered frames and switches to live forwarding. A
// stop that arrived while connecting is queued right after them.
func (s *Session) activate(handle stt.SessionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		_ = handle.Close()
		return
	}
	s.handle = handle
	s.outbox = channel.New[[]byte]()
	for _, f := range s.buffered {
		_ = s.outbox.Send(f.Data())
	}
	s.buffered = nil
	s.finished = make(chan struct{})
	go s.forward(handle, s.outbox, s.finished)
	go s.collect(handle)

	if s.pendingStop {
		s.closeLocked()
		return
	}
	s.state = StateActive
}

// closeLocked moves the session to Closed and queues the stop behind the
// audio already in the outbox. It returns the channel that is closed once the
// provider has been told to finish.
func (s *Session) closeLocked() <-chan struct{} {
	s.state = StateClosed
	s.stopSent = true
	s.outbox.Close()
	return s.finished
}

// forward delivers queued audio to the provider, then finishes the stream and
// fires the voice-stop callback once the stop has been queued. An aborted
// outbox (Close) ends it without either.
func (s *Session) forward(handle stt.SessionHandle, outbox *channel.Chan[[]byte], finished chan<- struct{}) {
	defer close(finished)

	failed := false
	for data := range outbox.All(s.ctx) {
		if failed {
			continue
		}
		if err := handle.SendAudio(data); err != nil {
			failed = true
			s.logger.Warn("asr: send audio failed", "err", err)
		}
	}

	s.mu.Lock()
	stopped := s.stopSent && !s.abandoned
	frames := make([]audio.AudioFrame, len(s.frames))
	copy(frames, s.frames)
	s.mu.Unlock()
	if !stopped || s.ctx.Err() != nil {
		return
	}

	if err := handle.Finish(s.ctx); err != nil {
		s.finishErr = err
		s.logger.Warn("asr: finish failed", "err", err)
	}
	s.fireVoiceStop(frames)
}

// collect joins the provider's final transcripts into the session result.
func (s *Session) collect(handle stt.SessionHandle) {
	var parts []string
	for t := range handle.Finals() {
		if text := strings.TrimSpace(t.Text); text != "" {
			parts = append(parts, text)
		}
	}
	err := handle.Err()
	_ = handle.Close()
	if err != nil {
		s.logger.Error("asr: recognition failed", "err", err, "kind", provider.Kind(err))
		s.resolve("", fmt.Errorf("asr: recognize: %w", err))
		return
	}
	s.resolve(strings.Join(parts, " "), nil)
}

func (s *Session) resolve(text string, err error) {
	s.resultOnce.Do(func() {
		s.result = text
		s.resultErr = err
		close(s.ready)
	})
}

// maybePrefetchLocked runs a speculative recognition over the frames so far
// once the voiced-frame threshold is crossed. Only segments that are still
// accumulating speech are considered.
func (s *Session) maybePrefetchLocked(voiceActive bool) {
	if s.prefetch == nil || (s.state != StateConnecting && s.state != StateActive) {
		return
	}
	if !s.prefetch.Observe(voiceActive) {
		return
	}
	frames := make([]audio.AudioFrame, len(s.frames))
	copy(frames, s.frames)
	ctx := s.ctx
	go s.runPrefetch(ctx, frames)
}

func (s *Session) runPrefetch(ctx context.Context, frames []audio.AudioFrame) {
	combined, err := audio.CombineFrames(frames...)
	if err != nil {
		s.logger.Debug("asr: prefetch skipped", "err", err)
		return
	}
	t, err := s.prefetch.Recognizer().Recognize(ctx, combined, s.cfg.Stream)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("asr: prefetch recognition failed", "err", err)
		}
		return
	}
	if text := strings.TrimSpace(t.Text); text != "" {
		s.cfg.OnPrefetch(ctx, text)
	}
}
