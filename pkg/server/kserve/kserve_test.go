package kserve

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/chassis/pkg/metadata"
	"github.com/kennethnrk/chassis/pkg/runner"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func upperRunner() (*runner.Runner, error) {
	return runner.New(runner.Options{Predict: func(_ context.Context, in runner.Input) (runner.Output, error) {
		text := string(in["text"])
		if text == "fail" {
			return nil, errors.New("cannot shout")
		}
		return runner.Output{"shout": []byte(strings.ToUpper(text))}, nil
	}})
}

func newServer(t *testing.T, protocol string) *Server {
	t.Helper()
	meta := metadata.Default()
	meta.Info.Name = "Shouter"
	meta.Info.Version = "2.0.0"
	meta.AddInput("text", []string{"text/plain"}, "1M", "")
	meta.AddOutput("shout", "text/plain", "1M", "")
	s, err := NewServer(Config{
		ModelName: "shouter",
		Protocol:  protocol,
		Metadata:  meta,
		Loader:    func(string) (*runner.Runner, error) { return upperRunner() },
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestV1Predict(t *testing.T) {
	s := newServer(t, ProtocolV1)

	code, out := do(t, s, http.MethodPost, "/v1/models/shouter:predict", map[string]any{
		"instances": []string{b64("hi"), b64("fail"), b64("there")},
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"HI", "cannot shout", "THERE"}, out["predictions"])

	code, out = do(t, s, http.MethodGet, "/v1/models/shouter", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ready"])

	code, _ = do(t, s, http.MethodPost, "/v1/models/other:predict", map[string]any{"instances": []string{}})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, s, http.MethodPost, "/v1/models/shouter:predict", map[string]any{"instances": []string{"%%%"}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, s, http.MethodGet, "/v2/health/live", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestV2Infer(t *testing.T) {
	s := newServer(t, ProtocolV2)

	code, out := do(t, s, http.MethodPost, "/v2/models/shouter/infer", map[string]any{
		"inputs": []map[string]any{{
			"name":     "input-0",
			"datatype": "BYTES",
			"shape":    []int{2},
			"data":     []string{b64("a"), b64("bc")},
		}},
	})
	require.Equal(t, http.StatusOK, code)
	_, err := uuid.Parse(out["id"].(string))
	assert.NoError(t, err)
	assert.Equal(t, "Shouter", out["model_name"])
	assert.Equal(t, "2.0.0", out["model_version"])

	outputs := out["outputs"].([]any)
	require.Len(t, outputs, 1)
	first := outputs[0].(map[string]any)
	assert.Equal(t, "input-0", first["name"])
	assert.Equal(t, "BYTES", first["datatype"])
	assert.Equal(t, []any{float64(2)}, first["shape"])
	assert.Equal(t, []any{"A", "BC"}, first["data"])
}

func TestV2Routes(t *testing.T) {
	s := newServer(t, ProtocolV2)

	code, out := do(t, s, http.MethodGet, "/v2/health/ready", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, out["ready"])

	code, out = do(t, s, http.MethodGet, "/v2/models/shouter", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"2.0.0"}, out["versions"])
	inputs := out["inputs"].([]any)
	assert.Equal(t, "text", inputs[0].(map[string]any)["name"])

	code, out = do(t, s, http.MethodGet, "/v2/models/missing/ready", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Model with name missing does not exist.", out["error"])

	require.NoError(t, s.Close())
	code, out = do(t, s, http.MethodPost, "/v2/models/shouter/infer", map[string]any{
		"inputs": []map[string]any{{"name": "x", "data": []string{b64("a")}}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "Model not available", out["error"])
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{Protocol: "v3", Metadata: metadata.Default()})
	assert.Error(t, err)

	_, err = NewServer(Config{Metadata: metadata.Default(), Loader: func(string) (*runner.Runner, error) { return upperRunner() }})
	assert.Error(t, err, "metadata without inputs and outputs")
}
