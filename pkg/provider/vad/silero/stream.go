package silero

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/channel"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

// input is one message on the stream's input channel: a frame, or a segment
// boundary marker.
type input struct {
	frame audio.AudioFrame
	flush bool
}

// stream implements vad.Stream. All detection state below the mutex is owned
// by the task goroutine.
type stream struct {
	cfg    *Detector
	model  *Model
	conv   audio.FormatConverter
	logger *slog.Logger

	in     *channel.Chan[input]
	events *channel.Chan[vad.Event]
	task   *channel.Task

	mu     sync.Mutex
	ended  bool
	closed bool
	err    error

	// Task-owned state.
	pending       []int16
	samplesIndex  int
	prob          float64
	speaking      bool
	speechDur     time.Duration
	silenceDur    time.Duration
	candidate     int // voiced windows in the not-yet-confirmed onset
	pre           []audio.AudioFrame
	utterance     []audio.AudioFrame
	buffered      time.Duration
	warnedCap     bool
	windowDur     time.Duration
	prefixWindows int
}

func newStream(ctx context.Context, d *Detector, model *Model) *stream {
	s := &stream{
		cfg:       d,
		model:     model,
		conv:      audio.FormatConverter{Target: audio.Format{SampleRate: d.sampleRate, Channels: 1}},
		logger:    d.logger.With("component", "silero"),
		in:        channel.New[input](),
		events:    channel.New[vad.Event](),
		windowDur: model.WindowDuration(),
	}
	s.prefixWindows = int(d.prefixPadding / s.windowDur)
	s.task = channel.Go(ctx, func(ctx context.Context) error {
		defer func() {
			if err := s.model.Close(); err != nil {
				s.logger.Warn("close graph", "err", err)
			}
		}()
		err := s.run(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.events.Close()
		return err
	})
	return s
}

// PushFrame implements vad.Stream.
func (s *stream) PushFrame(frame audio.AudioFrame) error {
	return s.send(input{frame: frame})
}

// Flush implements vad.Stream.
func (s *stream) Flush() error {
	return s.send(input{flush: true})
}

func (s *stream) send(msg input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return vad.ErrIllegalState
	}
	if err := s.in.Send(msg); err != nil {
		return vad.ErrIllegalState
	}
	return nil
}

// EndInput implements vad.Stream.
func (s *stream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed {
		return vad.ErrIllegalState
	}
	s.ended = true
	if err := s.in.Send(input{flush: true}); err != nil {
		return vad.ErrIllegalState
	}
	s.in.Close()
	return nil
}

// Close implements vad.Stream.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	dropped := s.in.Abort()
	err := s.task.CancelAndWait(s.cfg.closeTimeout)
	s.events.Abort()
	if dropped > 0 {
		s.logger.Debug("discarded queued frames on close", "frames", dropped)
	}
	if errors.Is(err, channel.ErrTaskTimeout) {
		return fmt.Errorf("silero: close: %w", err)
	}
	return nil
}

// Recv implements vad.Stream.
func (s *stream) Recv(ctx context.Context) (vad.Event, error) {
	ev, err := s.events.Recv(ctx)
	if errors.Is(err, channel.ErrClosed) {
		s.mu.Lock()
		taskErr, closed := s.err, s.closed
		s.mu.Unlock()
		if taskErr != nil && !closed {
			return vad.Event{}, taskErr
		}
	}
	return ev, err
}

// Events implements vad.Stream.
func (s *stream) Events(ctx context.Context) iter.Seq2[vad.Event, error] {
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

func (s *stream) run(ctx context.Context) error {
	for {
		msg, err := s.in.Recv(ctx)
		if errors.Is(err, channel.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		if msg.flush {
			s.flush()
			continue
		}
		if err := s.process(msg.frame); err != nil {
			return err
		}
	}
}

func (s *stream) process(frame audio.AudioFrame) error {
	frame = s.conv.Convert(frame)
	s.pending = append(s.pending, frame.Samples()...)

	window := s.model.WindowSize()
	for len(s.pending) >= window {
		samples := make([]int16, window)
		copy(samples, s.pending[:window])
		s.pending = s.pending[window:]
		if err := s.infer(samples); err != nil {
			return err
		}
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return nil
}

func (s *stream) infer(samples []int16) error {
	pcm := make([]byte, len(samples)*2)
	in := make([]float32, len(samples))
	for i, v := range samples {
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
		in[i] = float32(v) / 32768.0
	}
	winFrame, err := audio.NewAudioFrame(pcm, s.model.SampleRate(), 1, len(samples))
	if err != nil {
		return err
	}
	s.samplesIndex += len(samples)

	inferStart := time.Now()
	raw, err := s.model.Predict(in)
	elapsed := time.Since(inferStart)
	if errors.Is(err, ErrMalformedOutput) {
		// Keep the audio so the utterance stays contiguous; only the decision
		// for this window is skipped.
		s.logger.Warn("skipping malformed inference window", "samples_index", s.samplesIndex, "err", err)
		s.buffer(winFrame)
		return nil
	}
	if err != nil {
		return fmt.Errorf("silero: inference: %w", err)
	}

	alpha := s.cfg.smoothing
	s.prob = alpha*float64(raw) + (1-alpha)*s.prob

	s.buffer(winFrame)

	// Both counters advance every window; INFERENCE_DONE reports them after
	// this window is accounted for.
	var start, end bool
	switch {
	case !s.speaking && s.prob >= s.cfg.activation:
		s.candidate++
		s.speechDur += s.windowDur
		s.silenceDur = 0
		start = s.speechDur >= s.cfg.minSpeech
	case !s.speaking:
		s.candidate = 0
		s.speechDur = 0
		s.silenceDur += s.windowDur
	case s.prob < s.cfg.deactivation:
		s.silenceDur += s.windowDur
		end = s.silenceDur > s.cfg.minSilence
	default:
		s.silenceDur = 0
		s.speechDur += s.windowDur
	}

	s.emit(vad.Event{
		Type:              vad.InferenceDone,
		Frames:            []audio.AudioFrame{winFrame},
		RawProbability:    float64(raw),
		InferenceDuration: elapsed,
	})

	switch {
	case start:
		s.startSpeech()
	case end:
		s.endSpeech()
	case !s.speaking:
		s.trimPrefix()
	}
	return nil
}

// buffer records winFrame in the prefix ring or the current utterance.
func (s *stream) buffer(winFrame audio.AudioFrame) {
	if !s.speaking {
		s.pre = append(s.pre, winFrame)
		return
	}
	if s.cfg.maxBufferedSpeech > 0 && s.buffered+s.windowDur > s.cfg.maxBufferedSpeech {
		if !s.warnedCap {
			s.warnedCap = true
			s.logger.Warn("utterance exceeds max buffered speech, dropping further audio",
				"max_buffered_speech", s.cfg.maxBufferedSpeech)
		}
		return
	}
	s.utterance = append(s.utterance, winFrame)
	s.buffered += s.windowDur
}

// trimPrefix keeps prefix padding plus the onset candidate windows.
func (s *stream) trimPrefix() {
	keep := s.prefixWindows + s.candidate
	if over := len(s.pre) - keep; over > 0 {
		clear(s.pre[:over])
		s.pre = s.pre[over:]
	}
}

func (s *stream) startSpeech() {
	s.speaking = true
	s.silenceDur = 0
	s.candidate = 0
	s.utterance = s.pre
	s.pre = nil
	s.buffered = time.Duration(len(s.utterance)) * s.windowDur
	s.warnedCap = false
	s.emit(vad.Event{
		Type:   vad.StartOfSpeech,
		Frames: append([]audio.AudioFrame(nil), s.utterance...),
	})
}

func (s *stream) endSpeech() {
	s.speaking = false
	s.emit(vad.Event{
		Type:   vad.EndOfSpeech,
		Frames: s.utterance,
	})
	s.utterance = nil
	s.buffered = 0
	s.speechDur = 0
	s.silenceDur = 0
}

// flush forces a segment boundary.
func (s *stream) flush() {
	if s.speaking {
		s.endSpeech()
		return
	}
	s.candidate = 0
	s.speechDur = 0
	s.trimPrefix()
}

// emit stamps ev with the current position and counters and queues it.
func (s *stream) emit(ev vad.Event) {
	ev.SamplesIndex = s.samplesIndex
	ev.Timestamp = time.Duration(s.samplesIndex) * time.Second / time.Duration(s.model.SampleRate())
	ev.SpeechDuration = s.speechDur
	ev.SilenceDuration = s.silenceDur
	ev.Probability = s.prob
	ev.Speaking = s.speaking
	if err := s.events.Send(ev); err != nil {
		s.logger.Debug("dropping event after close", "type", ev.Type.String())
	}
}

// Ensure stream implements vad.Stream at compile time.
var _ vad.Stream = (*stream)(nil)
