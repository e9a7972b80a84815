package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v without insignificant whitespace, without HTML
// escaping and with object keys sorted.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// NDArray is a dense row-major numeric array. It encodes as nested JSON
// lists following Shape; a zero-dimensional array encodes as a plain number.
type NDArray struct {
	Shape []int
	Data  []float64
}

func (a NDArray) MarshalJSON() ([]byte, error) {
	size := 1
	for _, d := range a.Shape {
		if d < 0 {
			return nil, fmt.Errorf("ndarray: negative dimension %d", d)
		}
		size *= d
	}
	if size != len(a.Data) {
		return nil, fmt.Errorf("ndarray: shape %v needs %d values, have %d", a.Shape, size, len(a.Data))
	}
	if len(a.Shape) == 0 {
		return json.Marshal(a.Data[0])
	}
	return json.Marshal(nest(a.Shape, a.Data))
}

func nest(shape []int, data []float64) any {
	if len(shape) == 1 {
		if data == nil {
			return []float64{}
		}
		return data
	}
	stride := len(data) / max(shape[0], 1)
	out := make([]any, shape[0])
	for i := range out {
		out[i] = nest(shape[1:], data[i*stride:(i+1)*stride])
	}
	return out
}
