// Package runner wraps a user predict function and implements item-level
// dispatch: batch chunking, per-item failure isolation and the bytes-in,
// JSON-out adaptation for legacy functions.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

var (
	// ErrInvalidConfiguration is returned when a Runner is built from a
	// contradictory or incomplete set of options.
	ErrInvalidConfiguration = errors.New("invalid runner configuration")
	// ErrNotInitialized is the per-item error reported when no model is loaded.
	ErrNotInitialized = errors.New("Failed to process model input. Model has not been initialized for inference.")
)

const (
	// LegacyInputKey is the input key read by legacy predict functions.
	LegacyInputKey = "input"
	// LegacyOutputKey is the output key legacy results are written under.
	LegacyOutputKey = "results.json"
	// ErrorKey is the output key carrying a failed item's message.
	ErrorKey = "error"
)

// Input maps logical input keys to raw bytes.
type Input map[string][]byte

// Output maps logical output keys to raw bytes.
type Output map[string][]byte

// Result is the outcome of one input item. Exactly one of Output and Err is
// set.
type Result struct {
	Output Output
	Err    error
}

// Succeeded reports whether the item produced an output.
func (r Result) Succeeded() bool { return r.Err == nil }

// ErrorOutput renders a failed result the way it travels on the wire: a
// mapping holding only the "error" key.
func (r Result) ErrorOutput() Output {
	if r.Err == nil {
		return nil
	}
	return Output{ErrorKey: []byte(r.Err.Error())}
}

// ItemErrors is returned by a batch predict function that fails some items
// of a chunk but not others. It holds one entry per chunk item; nil entries
// keep the output at the same index.
type ItemErrors []error

func (e ItemErrors) Error() string {
	failed := 0
	var first error
	for _, err := range e {
		if err != nil {
			if first == nil {
				first = err
			}
			failed++
		}
	}
	if first == nil {
		return "no batch items failed"
	}
	return fmt.Sprintf("%d of %d batch items failed, first: %v", failed, len(e), first)
}

func (e ItemErrors) Unwrap() []error {
	var errs []error
	for _, err := range e {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// itemErrors extracts per-item errors sized for a chunk of n items.
func itemErrors(err error, n int) (ItemErrors, bool) {
	var items ItemErrors
	if !errors.As(err, &items) || len(items) != n {
		return nil, false
	}
	return items, true
}

type (
	PredictFunc            func(ctx context.Context, in Input) (Output, error)
	BatchPredictFunc       func(ctx context.Context, in []Input) ([]Output, error)
	LegacyPredictFunc      func(ctx context.Context, in []byte) (any, error)
	LegacyBatchPredictFunc func(ctx context.Context, in [][]byte) ([]any, error)
)

// Options selects the predict function of a Runner. Exactly one function
// must be set. BatchSize is required for the batch variants.
type Options struct {
	Predict            PredictFunc
	BatchPredict       BatchPredictFunc
	LegacyPredict      LegacyPredictFunc
	LegacyBatchPredict LegacyBatchPredictFunc
	BatchSize          int
	// Close, if set, releases resources held by the predict function. It is
	// called when the model is unloaded.
	Close func() error
}

// Runner owns a predict function. The four supported shapes are the
// combinations of two flags: batch and legacy.
type Runner struct {
	predict            PredictFunc
	batchPredict       BatchPredictFunc
	legacyPredict      LegacyPredictFunc
	legacyBatchPredict LegacyBatchPredictFunc
	close              func() error

	batch     bool
	legacy    bool
	batchSize int

	// set for runners built through the registry
	kind   string
	config []byte
}

// New builds a Runner from opts.
func New(opts Options) (*Runner, error) {
	set := 0
	for _, ok := range []bool{
		opts.Predict != nil,
		opts.BatchPredict != nil,
		opts.LegacyPredict != nil,
		opts.LegacyBatchPredict != nil,
	} {
		if ok {
			set++
		}
	}
	switch {
	case set == 0:
		return nil, fmt.Errorf("%w: a predict function is required", ErrInvalidConfiguration)
	case opts.Predict != nil && opts.BatchPredict != nil,
		opts.LegacyPredict != nil && opts.LegacyBatchPredict != nil:
		return nil, fmt.Errorf("%w: supply either a single-item or a batch predict function, not both", ErrInvalidConfiguration)
	case set > 1:
		return nil, fmt.Errorf("%w: legacy and modern predict functions cannot be mixed", ErrInvalidConfiguration)
	}

	r := &Runner{
		predict:            opts.Predict,
		batchPredict:       opts.BatchPredict,
		legacyPredict:      opts.LegacyPredict,
		legacyBatchPredict: opts.LegacyBatchPredict,
		close:              opts.Close,
		batch:              opts.BatchPredict != nil || opts.LegacyBatchPredict != nil,
		legacy:             opts.LegacyPredict != nil || opts.LegacyBatchPredict != nil,
		batchSize:          1,
	}
	if r.batch {
		if opts.BatchSize < 1 {
			return nil, fmt.Errorf("%w: batch predict functions need a batch size of at least 1, got %d", ErrInvalidConfiguration, opts.BatchSize)
		}
		r.batchSize = opts.BatchSize
	}
	return r, nil
}

func (r *Runner) IsBatch() bool  { return r.batch }
func (r *Runner) IsLegacy() bool { return r.legacy }
func (r *Runner) BatchSize() int { return r.batchSize }

// Kind returns the registered predictor kind, or "" for runners built
// directly from functions.
func (r *Runner) Kind() string { return r.kind }

// Close releases the resources of the predict function, if any.
func (r *Runner) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// Predict runs every input through the predict function and returns one
// result per input, in input order. Failures never abort other items.
func (r *Runner) Predict(ctx context.Context, inputs []Input) []Result {
	results := make([]Result, len(inputs))
	switch {
	case !r.batch && !r.legacy:
		for i, in := range inputs {
			out, err := r.callPredict(ctx, in)
			results[i] = Result{Output: out, Err: err}
		}
	case r.batch && !r.legacy:
		r.forEachChunk(inputs, func(start int, chunk []Input) {
			outs, err := r.callBatchPredict(ctx, chunk)
			fillChunk(results[start:start+len(chunk)], outs, err)
		})
	case !r.batch && r.legacy:
		for i, in := range inputs {
			results[i] = r.callLegacy(ctx, in)
		}
	default:
		r.forEachChunk(inputs, func(start int, chunk []Input) {
			r.callLegacyBatch(ctx, chunk, results[start:start+len(chunk)])
		})
	}

	for i, res := range results {
		if res.Err != nil {
			log.Error().Err(res.Err).Int("item", i).Msg("prediction failed")
		}
	}
	return results
}

// PredictOne runs a single input through the same path as Predict.
func (r *Runner) PredictOne(ctx context.Context, in Input) (Output, error) {
	res := r.Predict(ctx, []Input{in})[0]
	return res.Output, res.Err
}

func (r *Runner) forEachChunk(inputs []Input, fn func(start int, chunk []Input)) {
	for start := 0; start < len(inputs); start += r.batchSize {
		end := min(start+r.batchSize, len(inputs))
		fn(start, inputs[start:end])
	}
}

// fillChunk spreads a chunk's outputs over its result slots. A chunk error,
// or a chunk returning the wrong number of outputs, fails every item of the
// chunk. ItemErrors fail only the items they name.
func fillChunk(dst []Result, outs []Output, err error) {
	if len(outs) != len(dst) && (err == nil || len(outs) > 0) {
		err = fmt.Errorf("batch predict returned %d outputs for %d inputs", len(outs), len(dst))
	}
	items, perItem := itemErrors(err, len(dst))
	perItem = perItem && len(outs) == len(dst)
	for i := range dst {
		switch {
		case perItem && items[i] != nil:
			dst[i] = Result{Err: items[i]}
		case perItem:
			dst[i] = Result{Output: outs[i]}
		case err != nil:
			dst[i] = Result{Err: err}
		default:
			dst[i] = Result{Output: outs[i]}
		}
	}
}

func (r *Runner) callPredict(ctx context.Context, in Input) (out Output, err error) {
	defer recoverInto(&err)
	return r.predict(ctx, in)
}

func (r *Runner) callBatchPredict(ctx context.Context, in []Input) (out []Output, err error) {
	defer recoverInto(&err)
	return r.batchPredict(ctx, in)
}

func (r *Runner) callLegacy(ctx context.Context, in Input) Result {
	data, err := legacyInput(in)
	if err != nil {
		return Result{Err: err}
	}
	v, err := func() (v any, err error) {
		defer recoverInto(&err)
		return r.legacyPredict(ctx, data)
	}()
	if err != nil {
		return Result{Err: err}
	}
	return legacyResult(v)
}

func (r *Runner) callLegacyBatch(ctx context.Context, chunk []Input, dst []Result) {
	// Items whose input cannot be extracted fail on their own; the rest are
	// sent to the batch function together.
	idx := make([]int, 0, len(chunk))
	data := make([][]byte, 0, len(chunk))
	for i, in := range chunk {
		b, err := legacyInput(in)
		if err != nil {
			dst[i] = Result{Err: err}
			continue
		}
		idx = append(idx, i)
		data = append(data, b)
	}
	if len(data) == 0 {
		return
	}

	values, err := func() (v []any, err error) {
		defer recoverInto(&err)
		return r.legacyBatchPredict(ctx, data)
	}()
	if len(values) != len(data) && (err == nil || len(values) > 0) {
		err = fmt.Errorf("batch predict returned %d outputs for %d inputs", len(values), len(data))
	}
	items, perItem := itemErrors(err, len(data))
	perItem = perItem && len(values) == len(data)
	for j, i := range idx {
		switch {
		case perItem && items[j] != nil:
			dst[i] = Result{Err: items[j]}
		case perItem:
			dst[i] = legacyResult(values[j])
		case err != nil:
			dst[i] = Result{Err: err}
		default:
			dst[i] = legacyResult(values[j])
		}
	}
}

// legacyInput picks the bytes handed to a legacy function: the "input" key,
// or the only key when the item has exactly one.
func legacyInput(in Input) ([]byte, error) {
	if b, ok := in[LegacyInputKey]; ok {
		return b, nil
	}
	if len(in) == 1 {
		for _, b := range in {
			return b, nil
		}
	}
	return nil, fmt.Errorf("legacy model input must contain the %q key", LegacyInputKey)
}

func legacyResult(v any) Result {
	b, err := CanonicalJSON(v)
	if err != nil {
		return Result{Err: fmt.Errorf("encode result: %w", err)}
	}
	return Result{Output: Output{LegacyOutputKey: b}}
}

func recoverInto(err *error) {
	if p := recover(); p != nil {
		log.Error().Msgf("predict function panicked: %v\n%s", p, debug.Stack())
		*err = fmt.Errorf("panic: %v", p)
	}
}
