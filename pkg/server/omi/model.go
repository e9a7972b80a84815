package omi

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/internal/hostcheck"
	"github.com/kennethnrk/chassis/pkg/metadata"
	openmodelpb "github.com/kennethnrk/chassis/pkg/pb/openmodel"
	"github.com/kennethnrk/chassis/pkg/runner"
)

const (
	MsgInitialized        = "Model Initialized Successfully."
	MsgAlreadyInitialized = "Model Already Initialized."
	MsgInitFailed         = "Model Failed to Initialize: "
	MsgInferenceExecuted  = "Inference executed"
	MsgShutdown           = "Model Shutdown Successfully."
)

type slotState int

const (
	slotEmpty slotState = iota
	slotLoaded
	slotFailed
)

func (s slotState) String() string {
	switch s {
	case slotLoaded:
		return "loaded"
	case slotFailed:
		return "failed"
	default:
		return "empty"
	}
}

// Loader builds the model runner from the data directory.
type Loader func(dataDir string) (*runner.Runner, error)

// LoadPackaged reads the model role runner written at context assembly.
func LoadPackaged(dataDir string) (*runner.Runner, error) {
	return runner.Load(filepath.Join(dataDir, runner.FileNameForRole(runner.ModelRole)))
}

// modelService holds the process-wide runner slot. Its mutex serializes
// Status, Run and Shutdown, so at most one inference is in flight.
type modelService struct {
	openmodelpb.UnimplementedModzyModelServer

	meta    *metadata.ModelMetadata
	dataDir string
	load    Loader
	probe   func(context.Context) (hostcheck.Host, error)

	mu     sync.Mutex
	state  slotState
	runner *runner.Runner
}

func (s *modelService) Status(ctx context.Context, _ *openmodelpb.StatusRequest) (*openmodelpb.StatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == slotLoaded {
		return s.meta.StatusResponse(200, MsgAlreadyInitialized), nil
	}
	r, err := s.loadRunner()
	if err != nil {
		s.state = slotFailed
		log.Error().Err(err).Str("data_dir", s.dataDir).Msg("model load failed")
		return s.meta.StatusResponse(500, MsgInitFailed+err.Error()), nil
	}
	s.runner = r
	s.state = slotLoaded
	log.Info().Str("kind", r.Kind()).Bool("batch", r.IsBatch()).Bool("legacy", r.IsLegacy()).Msg("model loaded")
	s.checkHost(ctx)
	return s.meta.StatusResponse(200, MsgInitialized), nil
}

func (s *modelService) loadRunner() (r *runner.Runner, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return s.load(s.dataDir)
}

func (s *modelService) checkHost(ctx context.Context) {
	if s.probe == nil {
		return
	}
	host, err := s.probe(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not inspect host resources")
		return
	}
	for _, msg := range hostcheck.Shortfalls(host, s.meta.Resources) {
		log.Warn().Msg(msg)
	}
}

func (s *modelService) Run(ctx context.Context, req *openmodelpb.RunRequest) (*openmodelpb.RunResponse, error) {
	inputs := make([]runner.Input, len(req.Inputs))
	for i, item := range req.Inputs {
		if item != nil {
			inputs[i] = runner.Input(item.Input)
		}
	}
	if req.DetectDrift || req.Explain {
		log.Debug().Bool("detect_drift", req.DetectDrift).Bool("explain", req.Explain).Msg("drift detection and explanations are not supported, ignoring")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []runner.Result
	if s.state != slotLoaded {
		log.Warn().Str("state", s.state.String()).Int("items", len(inputs)).Msg("run before the model was initialized")
		results = make([]runner.Result, len(inputs))
		for i := range results {
			results[i] = runner.Result{Err: runner.ErrNotInitialized}
		}
	} else {
		// A dropped client does not cancel a running prediction.
		results = s.runner.Predict(context.WithoutCancel(ctx), inputs)
	}

	outputs := make([]*openmodelpb.OutputItem, len(results))
	for i, res := range results {
		res = s.checkOutputKeys(res)
		if res.Err != nil {
			outputs[i] = &openmodelpb.OutputItem{Output: res.ErrorOutput(), Success: false}
			continue
		}
		outputs[i] = &openmodelpb.OutputItem{Output: res.Output, Success: true}
	}
	return &openmodelpb.RunResponse{
		StatusCode: 200,
		Status:     metadata.StatusText(200),
		Message:    MsgInferenceExecuted,
		Outputs:    outputs,
	}, nil
}

// checkOutputKeys fails items that return keys the metadata does not declare.
func (s *modelService) checkOutputKeys(res runner.Result) runner.Result {
	if res.Err != nil || !s.meta.HasOutputs() {
		return res
	}
	for key := range res.Output {
		if !s.meta.HasOutput(key) {
			log.Error().Str("key", key).Msg("model returned an undeclared output key")
			return runner.Result{Err: fmt.Errorf("model returned undeclared output key %q", key)}
		}
	}
	return res
}

func (s *modelService) Shutdown(context.Context, *openmodelpb.ShutdownRequest) (*openmodelpb.ShutdownResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
	log.Info().Msg(MsgShutdown)
	return &openmodelpb.ShutdownResponse{StatusCode: 200, Status: metadata.StatusText(200), Message: MsgShutdown}, nil
}

// release empties the slot. The caller holds mu.
func (s *modelService) release() {
	if s.runner != nil {
		if err := s.runner.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to release model resources")
		}
	}
	s.runner = nil
	s.state = slotEmpty
}
