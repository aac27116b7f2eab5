package silero

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// initRuntime loads the onnxruntime shared library once per process.
func initRuntime(libPath string) error {
	ortOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// ONNXGraph runs the Silero v5 model through onnxruntime. Input and output
// tensors are allocated once and reused for every call.
type ONNXGraph struct {
	session *ort.DynamicAdvancedSession

	input  *ort.Tensor[float32]
	state  *ort.Tensor[float32]
	sr     *ort.Tensor[int64]
	output *ort.Tensor[float32]
	stateN *ort.Tensor[float32]
}

// NewONNXFactory returns a GraphFactory that loads modelPath into a new
// onnxruntime session per stream. libPath points at the onnxruntime shared
// library; empty uses the platform default lookup.
func NewONNXFactory(modelPath, libPath string) GraphFactory {
	return func() (Graph, error) {
		return NewONNXGraph(modelPath, libPath)
	}
}

// NewONNXGraph loads the model at modelPath.
func NewONNXGraph(modelPath, libPath string) (*ONNXGraph, error) {
	if modelPath == "" {
		return nil, errors.New("silero: model path must not be empty")
	}
	if err := initRuntime(libPath); err != nil {
		return nil, fmt.Errorf("silero: init onnxruntime: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input", "state", "sr"},
		[]string{"output", "stateN"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("silero: load model %q: %w", modelPath, err)
	}
	g := &ONNXGraph{session: session}

	if g.state, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		g.Close()
		return nil, fmt.Errorf("silero: alloc state: %w", err)
	}
	if g.sr, err = ort.NewTensor(ort.NewShape(1), []int64{0}); err != nil {
		g.Close()
		return nil, fmt.Errorf("silero: alloc sr: %w", err)
	}
	if g.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1)); err != nil {
		g.Close()
		return nil, fmt.Errorf("silero: alloc output: %w", err)
	}
	if g.stateN, err = ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128)); err != nil {
		g.Close()
		return nil, fmt.Errorf("silero: alloc stateN: %w", err)
	}
	return g, nil
}

// Run implements Graph.
func (g *ONNXGraph) Run(input, state []float32, sampleRate int64) (float32, []float32, error) {
	if g.input == nil || len(g.input.GetData()) != len(input) {
		if g.input != nil {
			_ = g.input.Destroy()
		}
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(input))))
		if err != nil {
			return 0, nil, fmt.Errorf("silero: alloc input: %w", err)
		}
		g.input = t
	}
	copy(g.input.GetData(), input)
	copy(g.state.GetData(), state)
	g.sr.GetData()[0] = sampleRate

	err := g.session.Run(
		[]ort.Value{g.input, g.state, g.sr},
		[]ort.Value{g.output, g.stateN},
	)
	if err != nil {
		return 0, nil, fmt.Errorf("silero: run: %w", err)
	}

	out := g.output.GetData()
	if len(out) == 0 {
		return 0, nil, ErrMalformedOutput
	}
	next := make([]float32, len(g.stateN.GetData()))
	copy(next, g.stateN.GetData())
	return out[0], next, nil
}

// Close releases the session and all tensors.
func (g *ONNXGraph) Close() error {
	errs := []error{
		destroy(g.input),
		destroy(g.state),
		destroy(g.sr),
		destroy(g.output),
		destroy(g.stateN),
	}
	if g.session != nil {
		errs = append(errs, g.session.Destroy())
	}
	return errors.Join(errs...)
}

func destroy[T ort.TensorData](t *ort.Tensor[T]) error {
	if t == nil {
		return nil
	}
	return t.Destroy()
}
