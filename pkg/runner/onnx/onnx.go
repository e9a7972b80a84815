// Package onnx provides the "onnx" predictor kind, which runs an ONNX model
// through onnxruntime. The model file must be added to the build's additional
// files so it is packaged into the data directory.
package onnx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kennethnrk/chassis/pkg/runner"
)

// Kind is the registry name of the onnx predictor.
const Kind = "onnx"

// SharedLibraryEnv overrides the onnxruntime shared library location.
const SharedLibraryEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

const (
	InputKey  = "input"
	OutputKey = "output.json"
)

// Config is the serialized configuration of an onnx runner.
type Config struct {
	ModelFile   string  `json:"model_file"`
	InputName   string  `json:"input_name"`
	OutputName  string  `json:"output_name"`
	InputShape  []int64 `json:"input_shape"`
	OutputShape []int64 `json:"output_shape"`
	// SharedLibrary is the onnxruntime library path. Empty uses
	// ONNXRUNTIME_SHARED_LIBRARY_PATH, then the library's default lookup.
	SharedLibrary string `json:"shared_library,omitempty"`
}

func (c Config) validate() error {
	switch {
	case c.ModelFile == "":
		return errors.New("model_file is required")
	case c.InputName == "" || c.OutputName == "":
		return errors.New("input_name and output_name are required")
	case len(c.InputShape) == 0 || len(c.OutputShape) == 0:
		return errors.New("input_shape and output_shape are required")
	}
	for _, d := range append(append([]int64(nil), c.InputShape...), c.OutputShape...) {
		if d < 1 {
			return fmt.Errorf("dimensions must be positive, got %d", d)
		}
	}
	return nil
}

func init() {
	runner.Register(Kind, func(config []byte) (*runner.Runner, error) {
		var cfg Config
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("decode onnx config: %w", err)
		}
		return newRunner(cfg)
	})
}

// New returns a serializable Runner for cfg. The model session is created
// immediately, so New fails if onnxruntime or the model cannot be loaded.
func New(cfg Config) (*runner.Runner, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return runner.FromRegistry(Kind, b)
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(library string) error {
	envOnce.Do(func() {
		if library == "" {
			library = os.Getenv(SharedLibraryEnv)
		}
		if library != "" {
			ort.SetSharedLibraryPath(library)
		}
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

type model struct {
	cfg     Config
	size    int
	session *ort.DynamicAdvancedSession
}

func newRunner(cfg Config) (*runner.Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", runner.ErrInvalidConfiguration, err)
	}
	if err := initEnvironment(cfg.SharedLibrary); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSession(runner.PackagedPath(cfg.ModelFile),
		[]string{cfg.InputName}, []string{cfg.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("load onnx model %s: %w", cfg.ModelFile, err)
	}
	m := &model{cfg: cfg, size: elements(cfg.InputShape), session: session}
	return runner.New(runner.Options{Predict: m.predict, Close: session.Destroy})
}

func (m *model) predict(_ context.Context, in runner.Input) (runner.Output, error) {
	data, err := decodeInput(in, m.size)
	if err != nil {
		return nil, err
	}
	input, err := ort.NewTensor(ort.NewShape(m.cfg.InputShape...), data)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer input.Destroy()
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(m.cfg.OutputShape...))
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer output.Destroy()

	if err := m.session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("run onnx session: %w", err)
	}
	b, err := encodeOutput(output.GetData())
	if err != nil {
		return nil, err
	}
	return runner.Output{OutputKey: b}, nil
}

func elements(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// decodeInput reads the flattened float32 tensor from the input item.
func decodeInput(in runner.Input, size int) ([]float32, error) {
	raw, ok := in[InputKey]
	if !ok {
		return nil, fmt.Errorf("onnx input must contain the %q key", InputKey)
	}
	var data []float32
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("onnx input is not a JSON array of numbers: %w", err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("onnx input has %d values, the model expects %d", len(data), size)
	}
	return data, nil
}

func encodeOutput(data []float32) ([]byte, error) {
	values := make([]float64, len(data))
	for i, v := range data {
		values[i] = float64(v)
	}
	return runner.CanonicalJSON(values)
}
