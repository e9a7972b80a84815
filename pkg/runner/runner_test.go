package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reverse(b []byte) []byte {
	out := slices.Clone(b)
	slices.Reverse(out)
	return out
}

func TestNewRejectsInvalidConfigurations(t *testing.T) {
	single := func(context.Context, Input) (Output, error) { return nil, nil }
	batch := func(context.Context, []Input) ([]Output, error) { return nil, nil }
	legacy := func(context.Context, []byte) (any, error) { return nil, nil }

	tests := []struct {
		name string
		opts Options
	}{
		{"nothing", Options{}},
		{"single and batch", Options{Predict: single, BatchPredict: batch, BatchSize: 2}},
		{"legacy and modern", Options{Predict: single, LegacyPredict: legacy}},
		{"batch without size", Options{BatchPredict: batch}},
		{"negative batch size", Options{BatchPredict: batch, BatchSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestSingleFunctionDisablesBatching(t *testing.T) {
	r, err := New(Options{
		Predict:   func(context.Context, Input) (Output, error) { return nil, nil },
		BatchSize: 16,
	})
	require.NoError(t, err)
	assert.False(t, r.IsBatch())
	assert.False(t, r.IsLegacy())
	assert.Equal(t, 1, r.BatchSize())
}

func TestLegacyEcho(t *testing.T) {
	r, err := New(Options{
		LegacyPredict: func(_ context.Context, b []byte) (any, error) {
			return map[string]string{"Message": string(b)}, nil
		},
	})
	require.NoError(t, err)

	out, err := r.PredictOne(context.Background(), Input{"input": []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, Output{"results.json": []byte(`{"Message":"hi"}`)}, out)
}

func TestModernSingle(t *testing.T) {
	r, err := New(Options{
		Predict: func(_ context.Context, in Input) (Output, error) {
			return Output{"r": reverse(in["x"])}, nil
		},
	})
	require.NoError(t, err)

	out, err := r.PredictOne(context.Background(), Input{"x": []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, Output{"r": []byte("cba")}, out)
}

func TestBatchChunkingKeepsOrder(t *testing.T) {
	var calls atomic.Int32
	var sizes []int
	r, err := New(Options{
		BatchPredict: func(_ context.Context, in []Input) ([]Output, error) {
			calls.Add(1)
			sizes = append(sizes, len(in))
			outs := make([]Output, len(in))
			for i, item := range in {
				outs[i] = Output{"x": reverse(item["x"])}
			}
			return outs, nil
		},
		BatchSize: 2,
	})
	require.NoError(t, err)

	results := r.Predict(context.Background(), []Input{{"x": []byte("a")}, {"x": []byte("b")}, {"x": []byte("c")}})
	require.Len(t, results, 3)
	for i, want := range []string{"a", "b", "c"} {
		require.NoError(t, results[i].Err)
		assert.Equal(t, want, string(results[i].Output["x"]))
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []int{2, 1}, sizes)
}

func TestChunkCountIsCeilOfInputsOverBatchSize(t *testing.T) {
	for _, tc := range []struct{ n, b, want int }{{0, 3, 0}, {1, 3, 1}, {3, 3, 1}, {4, 3, 2}, {10, 1, 10}, {10, 4, 3}} {
		t.Run(fmt.Sprintf("n=%d,b=%d", tc.n, tc.b), func(t *testing.T) {
			calls := 0
			r, err := New(Options{
				BatchPredict: func(_ context.Context, in []Input) ([]Output, error) {
					calls++
					outs := make([]Output, len(in))
					for i := range in {
						outs[i] = Output(in[i])
					}
					return outs, nil
				},
				BatchSize: tc.b,
			})
			require.NoError(t, err)

			inputs := make([]Input, tc.n)
			for i := range inputs {
				inputs[i] = Input{"i": []byte{byte(i)}}
			}
			results := r.Predict(context.Background(), inputs)
			require.Len(t, results, tc.n)
			assert.Equal(t, tc.want, calls)
			for i, res := range results {
				assert.Equal(t, []byte{byte(i)}, res.Output["i"])
			}
		})
	}
}

func TestPerItemFailureIsolation(t *testing.T) {
	r, err := New(Options{
		Predict: func(_ context.Context, in Input) (Output, error) {
			if string(in["x"]) == "bad" {
				return nil, errors.New("cannot handle bad input")
			}
			return Output{"r": in["x"]}, nil
		},
	})
	require.NoError(t, err)

	results := r.Predict(context.Background(), []Input{{"x": []byte("a")}, {"x": []byte("bad")}, {"x": []byte("c")}})
	require.Len(t, results, 3)
	assert.True(t, results[0].Succeeded())
	assert.False(t, results[1].Succeeded())
	assert.True(t, results[2].Succeeded())
	assert.Equal(t, Output{"error": []byte("cannot handle bad input")}, results[1].ErrorOutput())
}

func TestPanicsBecomeItemErrors(t *testing.T) {
	r, err := New(Options{
		Predict: func(_ context.Context, in Input) (Output, error) {
			if len(in) == 0 {
				panic("empty input")
			}
			return Output(in), nil
		},
	})
	require.NoError(t, err)

	results := r.Predict(context.Background(), []Input{{}, {"k": []byte("v")}})
	require.Error(t, results[0].Err)
	assert.Contains(t, results[0].Err.Error(), "empty input")
	assert.NoError(t, results[1].Err)
}

func TestChunkErrorFailsOnlyThatChunk(t *testing.T) {
	r, err := New(Options{
		BatchPredict: func(_ context.Context, in []Input) ([]Output, error) {
			for _, item := range in {
				if string(item["x"]) == "bad" {
					return nil, errors.New("chunk failed")
				}
			}
			outs := make([]Output, len(in))
			for i := range in {
				outs[i] = Output(in[i])
			}
			return outs, nil
		},
		BatchSize: 2,
	})
	require.NoError(t, err)

	results := r.Predict(context.Background(), []Input{
		{"x": []byte("a")}, {"x": []byte("b")},
		{"x": []byte("bad")}, {"x": []byte("c")},
		{"x": []byte("d")},
	})
	require.Len(t, results, 5)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.EqualError(t, results[2].Err, "chunk failed")
	assert.EqualError(t, results[3].Err, "chunk failed")
	assert.NoError(t, results[4].Err)
}

func TestItemErrorsFailOnlyTheirItems(t *testing.T) {
	r, err := New(Options{
		BatchPredict: func(_ context.Context, in []Input) ([]Output, error) {
			outs := make([]Output, len(in))
			errs := make(ItemErrors, len(in))
			for i, item := range in {
				if string(item["x"]) == "bad" {
					errs[i] = errors.New("bad item")
					continue
				}
				outs[i] = Output(item)
			}
			return outs, errs
		},
		BatchSize: 3,
	})
	require.NoError(t, err)

	results := r.Predict(context.Background(), []Input{{"x": []byte("a")}, {"x": []byte("bad")}, {"x": []byte("c")}})
	require.Len(t, results, 3)
	assert.Equal(t, "a", string(results[0].Output["x"]))
	assert.EqualError(t, results[1].Err, "bad item")
	assert.Equal(t, "c", string(results[2].Output["x"]))

	legacy, err := New(Options{
		LegacyBatchPredict: func(_ context.Context, in [][]byte) ([]any, error) {
			return []any{"ok", nil}, ItemErrors{nil, errors.New("second failed")}
		},
		BatchSize: 2,
	})
	require.NoError(t, err)
	results = legacy.Predict(context.Background(), []Input{{"input": []byte("a")}, {"input": []byte("b")}})
	assert.Equal(t, `"ok"`, string(results[0].Output[LegacyOutputKey]))
	assert.EqualError(t, results[1].Err, "second failed")

	// Item errors that do not match the chunk fail the whole chunk.
	mismatched, err := New(Options{
		BatchPredict: func(_ context.Context, in []Input) ([]Output, error) {
			return nil, ItemErrors{errors.New("only one")}
		},
		BatchSize: 2,
	})
	require.NoError(t, err)
	results = mismatched.Predict(context.Background(), []Input{{}, {}})
	assert.Error(t, results[0].Err)
	assert.Error(t, results[1].Err)
}

func TestBatchWithWrongOutputCountFailsChunk(t *testing.T) {
	r, err := New(Options{
		BatchPredict: func(context.Context, []Input) ([]Output, error) { return []Output{{}}, nil },
		BatchSize:    3,
	})
	require.NoError(t, err)

	results := r.Predict(context.Background(), []Input{{}, {}})
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.Error(t, results[1].Err)
}

func TestBatchOfOneMatchesSinglePath(t *testing.T) {
	fn := func(_ context.Context, in Input) (Output, error) {
		return Output{"r": reverse(in["x"])}, nil
	}
	single, err := New(Options{Predict: fn})
	require.NoError(t, err)
	batch, err := New(Options{
		BatchPredict: func(ctx context.Context, in []Input) ([]Output, error) {
			outs := make([]Output, len(in))
			for i, item := range in {
				out, err := fn(ctx, item)
				if err != nil {
					return nil, err
				}
				outs[i] = out
			}
			return outs, nil
		},
		BatchSize: 1,
	})
	require.NoError(t, err)

	in := Input{"x": []byte("chassis")}
	a, err := single.PredictOne(context.Background(), in)
	require.NoError(t, err)
	b, err := batch.PredictOne(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmptyInputListReturnsEmptyResults(t *testing.T) {
	called := false
	r, err := New(Options{
		BatchPredict: func(context.Context, []Input) ([]Output, error) {
			called = true
			return nil, nil
		},
		BatchSize: 4,
	})
	require.NoError(t, err)
	assert.Empty(t, r.Predict(context.Background(), nil))
	assert.False(t, called)
}

func TestLegacyBatch(t *testing.T) {
	r, err := New(Options{
		LegacyBatchPredict: func(_ context.Context, in [][]byte) ([]any, error) {
			out := make([]any, len(in))
			for i, b := range in {
				out[i] = map[string]any{"len": len(b)}
			}
			return out, nil
		},
		BatchSize: 2,
	})
	require.NoError(t, err)
	assert.True(t, r.IsBatch())
	assert.True(t, r.IsLegacy())

	results := r.Predict(context.Background(), []Input{
		{"input": []byte("abc")},
		{"a": []byte("x"), "b": []byte("y")},
		{"only": []byte("z")},
	})
	require.Len(t, results, 3)
	assert.Equal(t, `{"len":3}`, string(results[0].Output["results.json"]))
	assert.Error(t, results[1].Err)
	assert.Equal(t, `{"len":1}`, string(results[2].Output["results.json"]))
}

func TestLegacyInputPrefersInputKey(t *testing.T) {
	b, err := legacyInput(Input{"input": []byte("1"), "other": []byte("2")})
	require.NoError(t, err)
	assert.Equal(t, "1", string(b))
}

func TestCanonicalJSON(t *testing.T) {
	b, err := CanonicalJSON(map[string]any{
		"b":      []int{1, 2},
		"a":      "<tag> & more",
		"matrix": NDArray{Shape: []int{2, 2}, Data: []float64{1, 2.5, 3, 4}},
		"scalar": NDArray{Data: []float64{7}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<tag> & more","b":[1,2],"matrix":[[1,2.5],[3,4]],"scalar":7}`, string(b))

	_, err = CanonicalJSON(NDArray{Shape: []int{3}, Data: []float64{1}})
	assert.Error(t, err)
}

func TestRegistryRoundTrip(t *testing.T) {
	Register("test-upper", func(config []byte) (*Runner, error) {
		suffix := string(config)
		return New(Options{
			BatchPredict: func(_ context.Context, in []Input) ([]Output, error) {
				outs := make([]Output, len(in))
				for i, item := range in {
					outs[i] = Output{"out": append(slices.Clone(item["in"]), suffix...)}
				}
				return outs, nil
			},
			BatchSize: 3,
		})
	})
	assert.Contains(t, Kinds(), "test-upper")
	assert.Contains(t, Kinds(), EchoKind)

	r, err := FromRegistry("test-upper", []byte("!"))
	require.NoError(t, err)
	assert.Equal(t, "test-upper", r.Kind())

	b, err := r.MarshalBinary()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), FileNameForRole(ModelRole))
	require.NoError(t, os.WriteFile(path, b, 0o644))
	desc, err := ReadDescriptor(path)
	require.NoError(t, err)
	assert.Equal(t, Descriptor{Kind: "test-upper", Config: []byte("!"), Batch: true, BatchSize: 3}, desc)
	_, err = ReadDescriptor(filepath.Join(t.TempDir(), "missing.pkl"))
	assert.Error(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.True(t, loaded.IsBatch())
	assert.Equal(t, 3, loaded.BatchSize())

	out, err := loaded.PredictOne(context.Background(), Input{"in": []byte("hey")})
	require.NoError(t, err)
	assert.Equal(t, "hey!", string(out["out"]))

	assert.Panics(t, func() { Register("test-upper", func([]byte) (*Runner, error) { return nil, nil }) })
}

func TestUnknownKindAndUnserializableRunner(t *testing.T) {
	_, err := FromRegistry("does-not-exist", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	r, err := New(Options{Predict: func(context.Context, Input) (Output, error) { return nil, nil }})
	require.NoError(t, err)
	_, err = r.MarshalBinary()
	assert.ErrorIs(t, err, ErrNotSerializable)
}

func TestEchoRunner(t *testing.T) {
	r := Echo()
	b, err := r.MarshalBinary()
	require.NoError(t, err)
	loaded, err := Unmarshal(b)
	require.NoError(t, err)

	out, err := loaded.PredictOne(context.Background(), Input{"k": []byte("v")})
	require.NoError(t, err)
	assert.Equal(t, Output{"k": []byte("v")}, out)
}
