// Package silero provides a Silero-style neural VAD detector. It implements
// the vad.Detector interface.
//
// The detector runs a recurrent graph over fixed windows (512 samples at
// 16 kHz, 256 at 8 kHz), smooths the per-window probability with an
// exponential moving average and turns threshold crossings into
// StartOfSpeech/EndOfSpeech events with hysteresis. Two graph backends are
// available: [ONNXGraph] (the Silero v5 model via onnxruntime) and the
// model-free [EnergyGraph].
package silero

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
)

const (
	defaultSampleRate        = 16000
	defaultActivation        = 0.5
	defaultDeactivation      = 0.35
	defaultSmoothing         = 0.35
	defaultMinSpeech         = 50 * time.Millisecond
	defaultMinSilence        = 550 * time.Millisecond
	defaultPrefixPadding     = 500 * time.Millisecond
	defaultMaxBufferedSpeech = 60 * time.Second
	defaultCloseTimeout      = 2 * time.Second
)

// Option is a functional option for configuring the Detector.
type Option func(*Detector)

// WithSampleRate sets the inference rate: 8000 or 16000 Hz.
func WithSampleRate(rate int) Option {
	return func(d *Detector) { d.sampleRate = rate }
}

// WithActivationThreshold sets the smoothed probability at or above which a
// window counts as speech while not speaking.
func WithActivationThreshold(v float64) Option {
	return func(d *Detector) { d.activation = v }
}

// WithDeactivationThreshold sets the smoothed probability below which a
// window counts as silence while speaking.
func WithDeactivationThreshold(v float64) Option {
	return func(d *Detector) { d.deactivation = v }
}

// WithSmoothingFactor sets the EMA weight given to the newest probability.
// 1 disables smoothing.
func WithSmoothingFactor(alpha float64) Option {
	return func(d *Detector) { d.smoothing = alpha }
}

// WithMinSpeechDuration sets how much speech must accumulate before
// StartOfSpeech is emitted.
func WithMinSpeechDuration(v time.Duration) Option {
	return func(d *Detector) { d.minSpeech = v }
}

// WithMinSilenceDuration sets how much silence must be exceeded before
// EndOfSpeech is emitted.
func WithMinSilenceDuration(v time.Duration) Option {
	return func(d *Detector) { d.minSilence = v }
}

// WithPrefixPadding sets how much audio before speech onset is included in
// the StartOfSpeech and EndOfSpeech frames.
func WithPrefixPadding(v time.Duration) Option {
	return func(d *Detector) { d.prefixPadding = v }
}

// WithMaxBufferedSpeech caps the audio kept for one utterance. Speech beyond
// the cap still counts toward durations but is not buffered.
func WithMaxBufferedSpeech(v time.Duration) Option {
	return func(d *Detector) { d.maxBufferedSpeech = v }
}

// WithCloseTimeout bounds how long Stream.Close waits for the task.
func WithCloseTimeout(v time.Duration) Option {
	return func(d *Detector) { d.closeTimeout = v }
}

// WithLogger sets the logger used for skipped windows and close failures.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// Detector implements vad.Detector. It holds configuration only; every
// stream creates its own graph through the factory.
type Detector struct {
	factory GraphFactory

	sampleRate        int
	activation        float64
	deactivation      float64
	smoothing         float64
	minSpeech         time.Duration
	minSilence        time.Duration
	prefixPadding     time.Duration
	maxBufferedSpeech time.Duration
	closeTimeout      time.Duration
	logger            *slog.Logger

	spec windowSpec
}

// New creates a Detector. It fails with [provider.ErrUnsupportedConfig] for
// unsupported sample rates and invalid thresholds.
func New(factory GraphFactory, opts ...Option) (*Detector, error) {
	if factory == nil {
		return nil, errors.New("silero: graph factory must not be nil")
	}
	d := &Detector{
		factory:           factory,
		sampleRate:        defaultSampleRate,
		activation:        defaultActivation,
		deactivation:      defaultDeactivation,
		smoothing:         defaultSmoothing,
		minSpeech:         defaultMinSpeech,
		minSilence:        defaultMinSilence,
		prefixPadding:     defaultPrefixPadding,
		maxBufferedSpeech: defaultMaxBufferedSpeech,
		closeTimeout:      defaultCloseTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}

	spec, err := specFor(d.sampleRate)
	if err != nil {
		return nil, err
	}
	d.spec = spec

	var errs []error
	if d.activation <= 0 || d.activation > 1 {
		errs = append(errs, fmt.Errorf("activation threshold %v out of range (0, 1]", d.activation))
	}
	if d.deactivation <= 0 || d.deactivation > d.activation {
		errs = append(errs, fmt.Errorf("deactivation threshold %v must be in (0, activation]", d.deactivation))
	}
	if d.smoothing <= 0 || d.smoothing > 1 {
		errs = append(errs, fmt.Errorf("smoothing factor %v out of range (0, 1]", d.smoothing))
	}
	if d.minSpeech < 0 || d.minSilence < 0 || d.prefixPadding < 0 || d.maxBufferedSpeech < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if d.closeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("close timeout %s must be positive", d.closeTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("silero: %w: %w", provider.ErrUnsupportedConfig, err)
	}
	return d, nil
}

// Capabilities implements vad.Detector.
func (d *Detector) Capabilities() vad.Capabilities {
	return vad.Capabilities{
		UpdateInterval: time.Duration(d.spec.window) * time.Second / time.Duration(d.sampleRate),
		SampleRate:     d.sampleRate,
	}
}

// NewStream implements vad.Detector. The graph is created here so model load
// failures surface to the caller instead of the event sequence.
func (d *Detector) NewStream(ctx context.Context) (vad.Stream, error) {
	graph, err := d.factory()
	if err != nil {
		return nil, &provider.BaseError{Provider: "silero", Message: "load model", Err: err}
	}
	model, err := NewModel(graph, d.sampleRate)
	if err != nil {
		_ = graph.Close()
		return nil, err
	}
	return newStream(ctx, d, model), nil
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
