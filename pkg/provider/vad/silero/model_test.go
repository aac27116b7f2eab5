package silero

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/MrWong99/voxgate/pkg/provider"
)

// recordingGraph returns scripted probabilities and records its inputs. The
// next state is the previous state plus one in every slot.
type recordingGraph struct {
	probs  []float32
	inputs [][]float32
	states [][]float32
	err    error
	closed bool
}

func (g *recordingGraph) Run(input, state []float32, _ int64) (float32, []float32, error) {
	g.inputs = append(g.inputs, slices.Clone(input))
	g.states = append(g.states, slices.Clone(state))
	if g.err != nil {
		return 0, nil, g.err
	}
	var p float32
	if len(g.probs) > 0 {
		p, g.probs = g.probs[0], g.probs[1:]
	}
	next := make([]float32, len(state))
	for i := range next {
		next[i] = state[i] + 1
	}
	return p, next, nil
}

func (g *recordingGraph) Close() error {
	g.closed = true
	return nil
}

func ramp(n int, start float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = start + float32(i)/1000
	}
	return out
}

func TestModel_UnsupportedRate(t *testing.T) {
	for _, rate := range []int{0, 11025, 22050, 44100, 48000} {
		if _, err := NewModel(&recordingGraph{}, rate); !errors.Is(err, provider.ErrUnsupportedConfig) {
			t.Errorf("rate %d: err = %v, want ErrUnsupportedConfig", rate, err)
		}
	}
}

func TestModel_WindowGeometry(t *testing.T) {
	tests := []struct {
		rate, window, context int
	}{
		{8000, 256, 32},
		{16000, 512, 64},
	}
	for _, tt := range tests {
		g := &recordingGraph{}
		m, err := NewModel(g, tt.rate)
		if err != nil {
			t.Fatal(err)
		}
		if m.WindowSize() != tt.window {
			t.Errorf("rate %d: WindowSize = %d, want %d", tt.rate, m.WindowSize(), tt.window)
		}
		if _, err := m.Predict(ramp(tt.window, 0)); err != nil {
			t.Fatal(err)
		}
		if got := len(g.inputs[0]); got != tt.window+tt.context {
			t.Errorf("rate %d: graph input = %d samples, want %d", tt.rate, got, tt.window+tt.context)
		}
	}
}

func TestModel_CarriesContextAndState(t *testing.T) {
	g := &recordingGraph{probs: []float32{0.1, 0.2}}
	m, err := NewModel(g, 16000)
	if err != nil {
		t.Fatal(err)
	}

	first := ramp(512, 0)
	second := ramp(512, 1)
	if p, err := m.Predict(first); err != nil || p != 0.1 {
		t.Fatalf("Predict #1 = %v, %v", p, err)
	}
	if p, err := m.Predict(second); err != nil || p != 0.2 {
		t.Fatalf("Predict #2 = %v, %v", p, err)
	}

	// First call: zero context.
	for i, v := range g.inputs[0][:64] {
		if v != 0 {
			t.Fatalf("initial context[%d] = %v, want 0", i, v)
		}
	}
	// Second call: context is the tail of the first window.
	if !slices.Equal(g.inputs[1][:64], first[512-64:]) {
		t.Error("second call context is not the tail of the first input")
	}
	if !slices.Equal(g.inputs[1][64:], second) {
		t.Error("second call window mismatch")
	}
	// State advanced from the first output.
	if g.states[1][0] != 1 || g.states[1][StateSize-1] != 1 {
		t.Errorf("state not carried: %v", g.states[1][:2])
	}

	m.Reset()
	if _, err := m.Predict(second); err != nil {
		t.Fatal(err)
	}
	if g.states[2][0] != 0 || g.inputs[2][0] != 0 {
		t.Error("Reset did not clear state and context")
	}
}

func TestModel_MalformedOutputKeepsState(t *testing.T) {
	g := &recordingGraph{probs: []float32{0.5, float32(math.NaN()), 1.5, 0.7}}
	m, err := NewModel(g, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Predict(ramp(256, 0)); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		_, err := m.Predict(ramp(256, 5))
		if !errors.Is(err, ErrMalformedOutput) {
			t.Fatalf("err = %v, want ErrMalformedOutput", err)
		}
		if !errors.Is(err, provider.ErrMalformedResponse) {
			t.Fatal("ErrMalformedOutput must wrap provider.ErrMalformedResponse")
		}
	}
	if _, err := m.Predict(ramp(256, 9)); err != nil {
		t.Fatal(err)
	}
	// State after one valid call is 1; the malformed calls did not advance it.
	if got := g.states[3][0]; got != 1 {
		t.Errorf("state after malformed outputs = %v, want 1", got)
	}
	first := ramp(256, 0)
	if !slices.Equal(g.inputs[3][:32], first[256-32:]) {
		t.Error("context advanced on malformed output")
	}
}

func TestModel_WrongWindowSize(t *testing.T) {
	m, err := NewModel(&recordingGraph{}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Predict(make([]float32, 100)); err == nil {
		t.Fatal("expected error for short window")
	}
}

func TestEnergyGraph(t *testing.T) {
	g := &EnergyGraph{}
	state := make([]float32, StateSize)

	silent, _, err := g.Run(make([]float32, 576), state, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if silent > 0.01 {
		t.Errorf("silence probability = %v, want ~0", silent)
	}

	loud := make([]float32, 576)
	for i := range loud {
		loud[i] = float32(0.5 * math.Sin(float64(i)/3))
	}
	p, next, err := g.Run(loud, state, 16000)
	if err != nil {
		t.Fatal(err)
	}
	if p < 0.99 {
		t.Errorf("tone probability = %v, want ~1", p)
	}
	if len(next) != StateSize {
		t.Errorf("state length = %d, want %d", len(next), StateSize)
	}
}
