// Package bridge provides the "bridge" predictor kind: predictions are
// delegated to an external command, typically a Python script shipped with
// the model, that speaks JSON over stdin and stdout.
//
// Request written to the command's stdin:
//
//	{"inputs": [{"<key>": "<base64>"}, ...]}
//
// Response expected on stdout, one result per input:
//
//	{"results": [{"outputs": {"<key>": "<base64>"}}, {"error": "..."}], "error": ""}
//
// Legacy bridges return an arbitrary JSON value per item in "result" instead
// of "outputs".
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kennethnrk/chassis/pkg/runner"
)

// Kind is the registry name of the bridge predictor.
const Kind = "bridge"

var (
	ErrBackendUnavailable = errors.New("bridge backend unavailable")
	ErrBackendInference   = errors.New("bridge inference failed")
	ErrBackendProtocol    = errors.New("bridge protocol error")
)

// Config is the serialized configuration of a bridge runner.
type Config struct {
	// Command and its arguments. Relative paths resolve against Dir.
	Command []string `json:"command"`
	// Dir is the working directory of the command. Empty means the
	// current working directory of the server.
	Dir string `json:"dir,omitempty"`
	// BatchSize above 1 sends up to that many items per invocation.
	BatchSize int  `json:"batch_size,omitempty"`
	Legacy    bool `json:"legacy,omitempty"`
	// Timeout bounds a single invocation, e.g. "30s". Empty means no limit.
	Timeout string `json:"timeout,omitempty"`
	// Env is appended to the server's environment.
	Env []string `json:"env,omitempty"`
}

type request struct {
	Inputs []runner.Input `json:"inputs"`
}

type itemResult struct {
	Outputs runner.Output   `json:"outputs,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type response struct {
	Results []itemResult `json:"results"`
	Error   string       `json:"error,omitempty"`
}

func init() {
	runner.Register(Kind, func(config []byte) (*runner.Runner, error) {
		var cfg Config
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("decode bridge config: %w", err)
		}
		return newRunner(cfg)
	})
}

// New returns a serializable Runner that executes cfg.Command.
func New(cfg Config) (*runner.Runner, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return runner.FromRegistry(Kind, b)
}

func newRunner(cfg Config) (*runner.Runner, error) {
	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
		return nil, fmt.Errorf("%w: bridge command is not configured", runner.ErrInvalidConfiguration)
	}
	var timeout time.Duration
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("%w: bad bridge timeout %q", runner.ErrInvalidConfiguration, cfg.Timeout)
		}
		timeout = d
	}
	b := &backend{cfg: cfg, timeout: timeout}

	batch := cfg.BatchSize > 1
	switch {
	case batch && cfg.Legacy:
		return runner.New(runner.Options{LegacyBatchPredict: b.legacyBatch, BatchSize: cfg.BatchSize})
	case batch:
		return runner.New(runner.Options{BatchPredict: b.batch, BatchSize: cfg.BatchSize})
	case cfg.Legacy:
		return runner.New(runner.Options{LegacyPredict: b.legacySingle})
	default:
		return runner.New(runner.Options{Predict: b.single})
	}
}

type backend struct {
	cfg     Config
	timeout time.Duration
}

func (b *backend) single(ctx context.Context, in runner.Input) (runner.Output, error) {
	outs, err := b.batch(ctx, []runner.Input{in})
	if err != nil {
		return nil, firstItemError(err)
	}
	return outs[0], nil
}

// batch returns one output per item. Items the command reports as failed,
// or answers without outputs, fail on their own through runner.ItemErrors.
func (b *backend) batch(ctx context.Context, in []runner.Input) ([]runner.Output, error) {
	results, err := b.call(ctx, in)
	if err != nil {
		return nil, err
	}
	outs := make([]runner.Output, len(results))
	errs := make(runner.ItemErrors, len(results))
	failed := false
	for i, res := range results {
		switch {
		case res.Error != "":
			errs[i] = fmt.Errorf("%w: %s", ErrBackendInference, res.Error)
		case res.Outputs == nil:
			errs[i] = fmt.Errorf("%w: item %d has no outputs", ErrBackendProtocol, i)
		default:
			outs[i] = res.Outputs
			continue
		}
		failed = true
	}
	if failed {
		return outs, errs
	}
	return outs, nil
}

func (b *backend) legacySingle(ctx context.Context, in []byte) (any, error) {
	values, err := b.legacyBatch(ctx, [][]byte{in})
	if err != nil {
		return nil, firstItemError(err)
	}
	return values[0], nil
}

// firstItemError unwraps the error of a one-item call.
func firstItemError(err error) error {
	var items runner.ItemErrors
	if errors.As(err, &items) && len(items) == 1 && items[0] != nil {
		return items[0]
	}
	return err
}

func (b *backend) legacyBatch(ctx context.Context, in [][]byte) ([]any, error) {
	items := make([]runner.Input, len(in))
	for i, data := range in {
		items[i] = runner.Input{runner.LegacyInputKey: data}
	}
	results, err := b.call(ctx, items)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(results))
	errs := make(runner.ItemErrors, len(results))
	failed := false
	for i, res := range results {
		switch {
		case res.Error != "":
			errs[i] = fmt.Errorf("%w: %s", ErrBackendInference, res.Error)
		case len(res.Result) == 0:
			errs[i] = fmt.Errorf("%w: item %d has no result", ErrBackendProtocol, i)
		default:
			values[i] = res.Result
			continue
		}
		failed = true
	}
	if failed {
		return values, errs
	}
	return values, nil
}

func (b *backend) call(ctx context.Context, inputs []runner.Input) ([]itemResult, error) {
	payload, err := json.Marshal(request{Inputs: inputs})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode bridge request: %w", ErrBackendProtocol, err)
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	command := b.cfg.Command
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = b.cfg.Dir
	if len(b.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), b.cfg.Env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendInference, ctxErr)
		}
		errText := strings.TrimSpace(stderr.String())
		var execErr *exec.Error
		var pathErr *os.PathError
		sentinel := ErrBackendInference
		if errors.As(runErr, &execErr) || errors.As(runErr, &pathErr) {
			sentinel = ErrBackendUnavailable
		}
		if errText == "" {
			return nil, fmt.Errorf("%w: bridge command failed: %w", sentinel, runErr)
		}
		return nil, fmt.Errorf("%w: bridge command failed: %w: %s", sentinel, runErr, errText)
	}

	var decoded response
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to decode bridge response: %w", ErrBackendProtocol, err)
	}
	if msg := strings.TrimSpace(decoded.Error); msg != "" {
		return nil, fmt.Errorf("%w: bridge runtime error: %s", ErrBackendInference, msg)
	}
	if len(decoded.Results) != len(inputs) {
		return nil, fmt.Errorf("%w: bridge returned %d results for %d inputs", ErrBackendProtocol, len(decoded.Results), len(inputs))
	}
	return decoded.Results, nil
}
