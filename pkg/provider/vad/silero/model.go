package silero

import (
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/voxgate/pkg/provider"
)

// ErrMalformedOutput marks a forward pass whose output failed validation.
// The stream skips the window and keeps going.
var ErrMalformedOutput = fmt.Errorf("silero: %w", provider.ErrMalformedResponse)

// windowSpec is the fixed input geometry the model accepts at one rate.
type windowSpec struct {
	window  int
	context int
}

var windowSpecs = map[int]windowSpec{
	8000:  {window: 256, context: 32},
	16000: {window: 512, context: 64},
}

func specFor(sampleRate int) (windowSpec, error) {
	ws, ok := windowSpecs[sampleRate]
	if !ok {
		return windowSpec{}, fmt.Errorf("silero: sample rate %d (want 8000 or 16000): %w",
			sampleRate, provider.ErrUnsupportedConfig)
	}
	return ws, nil
}

// Model carries the per-stream inference state around a Graph: the trailing
// audio context of the previous call and the recurrent state. It must be used
// from one goroutine only.
type Model struct {
	graph      Graph
	sampleRate int
	spec       windowSpec

	context []float32
	state   []float32
	input   []float32
}

// NewModel wraps graph for sampleRate. Only 8000 and 16000 Hz are supported;
// other rates fail with [provider.ErrUnsupportedConfig].
func NewModel(graph Graph, sampleRate int) (*Model, error) {
	ws, err := specFor(sampleRate)
	if err != nil {
		return nil, err
	}
	return &Model{
		graph:      graph,
		sampleRate: sampleRate,
		spec:       ws,
		context:    make([]float32, ws.context),
		state:      make([]float32, StateSize),
		input:      make([]float32, ws.context+ws.window),
	}, nil
}

// WindowSize returns the number of samples Predict expects.
func (m *Model) WindowSize() int { return m.spec.window }

// SampleRate returns the model rate.
func (m *Model) SampleRate() int { return m.sampleRate }

// WindowDuration returns the audio duration of one window.
func (m *Model) WindowDuration() time.Duration {
	return time.Duration(m.spec.window) * time.Second / time.Duration(m.sampleRate)
}

// Predict runs one window through the graph and returns the speech
// probability. The stored context and recurrent state are only advanced when
// the output is valid, so a malformed result leaves the model as it was.
func (m *Model) Predict(window []float32) (float32, error) {
	if len(window) != m.spec.window {
		return 0, fmt.Errorf("silero: window has %d samples, want %d", len(window), m.spec.window)
	}
	copy(m.input, m.context)
	copy(m.input[m.spec.context:], window)

	prob, next, err := m.graph.Run(m.input, m.state, int64(m.sampleRate))
	if err != nil {
		return 0, err
	}
	if math.IsNaN(float64(prob)) || prob < 0 || prob > 1 {
		return 0, fmt.Errorf("%w: probability %v", ErrMalformedOutput, prob)
	}
	if len(next) != StateSize {
		return 0, fmt.Errorf("%w: state has %d values, want %d", ErrMalformedOutput, len(next), StateSize)
	}

	copy(m.context, m.input[len(m.input)-m.spec.context:])
	copy(m.state, next)
	return prob, nil
}

// Reset zeroes the context and recurrent state.
func (m *Model) Reset() {
	clear(m.context)
	clear(m.state)
}

// Close closes the underlying graph.
func (m *Model) Close() error { return m.graph.Close() }
