// Package chassis is the entry point for packaging a model: it pairs a
// Runner with the Buildable that turns it into an image, and provides the
// command line served inside that image.
package chassis

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/pkg/builder"
	"github.com/kennethnrk/chassis/pkg/metadata"
	"github.com/kennethnrk/chassis/pkg/runner"
)

// ErrNotBatch is returned by TestBatch for single-item runners.
var ErrNotBatch = errors.New("model does not support batch prediction")

// ChassisModel is a Buildable whose model role holds r.
type ChassisModel struct {
	*builder.Buildable
	runner *runner.Runner
}

// NewModel wraps r with default metadata. The batch size feature follows
// the runner.
func NewModel(r *runner.Runner) (*ChassisModel, error) {
	return newModel(r, metadata.Default())
}

// NewLegacyModel wraps a legacy runner with the single "input" /
// "results.json" metadata used by bytes-in, JSON-out models.
func NewLegacyModel(r *runner.Runner) (*ChassisModel, error) {
	if r != nil && !r.IsLegacy() {
		return nil, fmt.Errorf("%w: NewLegacyModel needs a legacy predict function", runner.ErrInvalidConfiguration)
	}
	return newModel(r, metadata.Legacy())
}

func newModel(r *runner.Runner, md *metadata.ModelMetadata) (*ChassisModel, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: runner is nil", runner.ErrInvalidConfiguration)
	}
	b := builder.NewBuildable()
	b.Metadata = md
	b.Metadata.Features.BatchSize = int32(r.BatchSize())
	b.SetRunner(runner.ModelRole, r)
	return &ChassisModel{Buildable: b, runner: r}, nil
}

// Runner returns the model runner.
func (m *ChassisModel) Runner() *runner.Runner { return m.runner }

// Test runs one input through the runner. Registered runners are first
// serialized and reloaded, so the prediction takes the same path as inside
// the container.
func (m *ChassisModel) Test(ctx context.Context, in runner.Input) (runner.Output, error) {
	r, err := m.reloaded()
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	return r.PredictOne(ctx, in)
}

// TestBatch runs BatchSize copies of in through the runner as one batch.
func (m *ChassisModel) TestBatch(ctx context.Context, in runner.Input) ([]runner.Result, error) {
	if !m.runner.IsBatch() {
		return nil, ErrNotBatch
	}
	r, err := m.reloaded()
	if err != nil {
		return nil, err
	}
	defer m.release(r)
	inputs := make([]runner.Input, m.runner.BatchSize())
	for i := range inputs {
		inputs[i] = in
	}
	return r.Predict(ctx, inputs), nil
}

func (m *ChassisModel) reloaded() (*runner.Runner, error) {
	if m.runner.Kind() == "" {
		log.Debug().Msg("runner is not registered, testing it in process")
		return m.runner, nil
	}
	b, err := m.runner.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize runner: %w", err)
	}
	r, err := runner.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("reload runner: %w", err)
	}
	return r, nil
}

func (m *ChassisModel) release(r *runner.Runner) {
	if r == m.runner {
		return
	}
	if err := r.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close reloaded runner")
	}
}

// Build prepares a context and hands it to b.
func (m *ChassisModel) Build(ctx context.Context, b builder.Builder, opts builder.BuildOptions, img builder.ImageOptions) (*builder.BuildResponse, error) {
	bc, err := m.PrepareContext(ctx, opts)
	if err != nil {
		return nil, err
	}
	return b.Build(ctx, bc, img)
}
