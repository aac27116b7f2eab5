package silero

import "math"

// StateSize is the length of the recurrent state tensor ([2, 1, 128]) the
// Silero v5 graph carries between calls.
const StateSize = 2 * 1 * 128

// Graph is one stateful neural graph. Run performs a single forward pass: it
// receives the context-prefixed input window and the current recurrent state,
// and returns the speech probability together with the next state. Graphs are
// not safe for concurrent use; each stream owns its own.
type Graph interface {
	Run(input, state []float32, sampleRate int64) (prob float32, next []float32, err error)
	Close() error
}

// GraphFactory creates a fresh graph for a new stream.
type GraphFactory func() (Graph, error)

// EnergyGraph is a model-free Graph that maps the RMS level of the input,
// in dBFS, through a logistic curve. It needs no model file, is fully
// deterministic and is used when no ONNX model is configured. The recurrent
// state is passed through unchanged.
type EnergyGraph struct {
	// ThresholdDB is the level at which the probability is 0.5.
	// Default: -40 dBFS.
	ThresholdDB float64

	// Slope controls how sharply the probability rises around the threshold,
	// per dB. Default: 0.5.
	Slope float64
}

// NewEnergyFactory returns a GraphFactory producing EnergyGraphs with the
// default curve.
func NewEnergyFactory() GraphFactory {
	return func() (Graph, error) { return &EnergyGraph{}, nil }
}

// Run implements Graph.
func (g *EnergyGraph) Run(input, state []float32, _ int64) (float32, []float32, error) {
	threshold, slope := g.ThresholdDB, g.Slope
	if threshold == 0 {
		threshold = -40
	}
	if slope == 0 {
		slope = 0.5
	}

	var sum float64
	for _, s := range input {
		sum += float64(s) * float64(s)
	}
	db := -120.0
	if len(input) > 0 && sum > 0 {
		db = 10 * math.Log10(sum/float64(len(input)))
	}
	prob := 1 / (1 + math.Exp(-slope*(db-threshold)))

	next := make([]float32, len(state))
	copy(next, state)
	return float32(prob), next, nil
}

// Close implements Graph.
func (g *EnergyGraph) Close() error { return nil }
