// Package kserve serves a packaged model through the KServe v1 or v2 REST
// prediction protocol. The first declared input and output keys carry the
// request and response payloads.
package kserve

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/internal/config"
	"github.com/kennethnrk/chassis/pkg/metadata"
	"github.com/kennethnrk/chassis/pkg/runner"
	"github.com/kennethnrk/chassis/pkg/server/omi"
)

const (
	ProtocolV1 = "v1"
	ProtocolV2 = "v2"

	shutdownGrace = 10 * time.Second
)

type Config struct {
	DataDir   string
	Port      int
	ModelName string
	Protocol  string
	// Metadata overrides the data directory's model_info file.
	Metadata *metadata.ModelMetadata
	// Loader overrides omi.LoadPackaged.
	Loader omi.Loader
}

type Server struct {
	cfg       Config
	meta      *metadata.ModelMetadata
	inputKey  string
	outputKey string
	router    *gin.Engine

	mu     sync.Mutex
	runner *runner.Runner
}

// NewServer reads the metadata and loads the model. Unlike the OMI server the
// model is loaded eagerly, so a broken package fails at startup.
func NewServer(cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = runner.DataDir()
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultModelPort
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "default"
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolV2
	}
	if cfg.Protocol != ProtocolV1 && cfg.Protocol != ProtocolV2 {
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
	if cfg.Loader == nil {
		cfg.Loader = omi.LoadPackaged
	}

	meta := cfg.Metadata
	if meta == nil {
		var err error
		meta, err = metadata.Load(filepath.Join(cfg.DataDir, omi.ModelInfoFile))
		if err != nil {
			return nil, fmt.Errorf("read model metadata: %w", err)
		}
	}
	if !meta.HasInputs() || !meta.HasOutputs() {
		return nil, errors.New("model metadata must declare at least one input and one output")
	}

	r, err := cfg.Loader(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		meta:      meta,
		inputKey:  meta.Inputs()[0].Key,
		outputKey: meta.Outputs()[0].Key,
		runner:    r,
	}
	s.router = s.routes()
	log.Info().Str("protocol", cfg.Protocol).Int("port", cfg.Port).Str("model", cfg.ModelName).Msg("Initialized KServe model")
	return s, nil
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	switch s.cfg.Protocol {
	case ProtocolV1:
		r.GET("/v1/models/:model", s.withModel(s.v1Ready))
		r.POST("/v1/models/:model", s.v1Predict)
	case ProtocolV2:
		r.GET("/v2/health/live", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"live": true}) })
		r.GET("/v2/health/ready", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ready": s.ready()}) })
		r.GET("/v2/models/:model", s.withModel(s.v2Metadata))
		r.GET("/v2/models/:model/ready", s.withModel(s.v2Ready))
		r.POST("/v2/models/:model/infer", s.withModel(s.v2Infer))
	}
	return r
}

func (s *Server) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner != nil
}

func (s *Server) withModel(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.checkModel(c, c.Param("model")) {
			return
		}
		h(c)
	}
}

func (s *Server) checkModel(c *gin.Context, name string) bool {
	if name != s.cfg.ModelName {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("Model with name %s does not exist.", name)})
		return false
	}
	return true
}

// predict runs the first declared input key through the model and returns
// the first declared output key of each item, or the item's error.
func (s *Server) predict(ctx context.Context, encoded []string) ([]string, error) {
	inputs := make([]runner.Input, len(encoded))
	for i, e := range encoded {
		b, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("instance %d is not valid base64: %w", i, err)
		}
		inputs[i] = runner.Input{s.inputKey: b}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil {
		return nil, errors.New("Model not available")
	}
	results := s.runner.Predict(context.WithoutCancel(ctx), inputs)
	predictions := make([]string, len(results))
	for i, res := range results {
		switch out, ok := res.Output[s.outputKey]; {
		case res.Err != nil:
			predictions[i] = res.Err.Error()
		case !ok:
			predictions[i] = fmt.Sprintf("model returned no %q output", s.outputKey)
		default:
			predictions[i] = string(out)
		}
	}
	return predictions, nil
}

type v1Request struct {
	Instances []string `json:"instances"`
}

func (s *Server) v1Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": s.cfg.ModelName, "ready": s.ready()})
}

func (s *Server) v1Predict(c *gin.Context) {
	name, ok := strings.CutSuffix(c.Param("model"), ":predict")
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unsupported verb, use :predict"})
		return
	}
	if !s.checkModel(c, name) {
		return
	}
	var req v1Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	predictions, err := s.predict(c.Request.Context(), req.Instances)
	if err != nil {
		s.predictError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"predictions": predictions})
}

type v2Tensor struct {
	Name       string         `json:"name"`
	Datatype   string         `json:"datatype"`
	Shape      []int          `json:"shape"`
	Data       []string       `json:"data"`
	Parameters map[string]any `json:"parameters"`
}

type v2Request struct {
	ID     string     `json:"id,omitempty"`
	Inputs []v2Tensor `json:"inputs"`
}

type v2Response struct {
	ID           string     `json:"id"`
	ModelName    string     `json:"model_name"`
	ModelVersion string     `json:"model_version"`
	Outputs      []v2Tensor `json:"outputs"`
}

func (s *Server) v2Ready(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": s.cfg.ModelName, "ready": s.ready()})
}

func (s *Server) v2Metadata(c *gin.Context) {
	tensors := func(keys []string) []gin.H {
		out := make([]gin.H, len(keys))
		for i, k := range keys {
			out[i] = gin.H{"name": k, "datatype": "BYTES", "shape": []int{-1}}
		}
		return out
	}
	var inputs, outputs []string
	for _, in := range s.meta.Inputs() {
		inputs = append(inputs, in.Key)
	}
	for _, out := range s.meta.Outputs() {
		outputs = append(outputs, out.Key)
	}
	c.JSON(http.StatusOK, gin.H{
		"name":     s.cfg.ModelName,
		"versions": []string{s.meta.Info.Version},
		"platform": "chassis",
		"inputs":   tensors(inputs),
		"outputs":  tensors(outputs),
	})
}

func (s *Server) v2Infer(c *gin.Context) {
	var req v2Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := v2Response{
		ID:           uuid.NewString(),
		ModelName:    s.meta.Info.Name,
		ModelVersion: s.meta.Info.Version,
		Outputs:      []v2Tensor{},
	}
	for _, in := range req.Inputs {
		predictions, err := s.predict(c.Request.Context(), in.Data)
		if err != nil {
			s.predictError(c, err)
			return
		}
		resp.Outputs = append(resp.Outputs, v2Tensor{
			Name:     in.Name,
			Datatype: in.Datatype,
			Shape:    []int{len(predictions)},
			Data:     predictions,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) predictError(c *gin.Context, err error) {
	code := http.StatusBadRequest
	if !s.ready() {
		code = http.StatusServiceUnavailable
	}
	log.Error().Err(err).Msg("prediction request failed")
	c.JSON(code, gin.H{"error": err.Error()})
}

// Close releases the model.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil {
		return nil
	}
	err := s.runner.Close()
	s.runner = nil
	return err
}

// ListenAndServe binds the configured port and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, lis)
}

// Serve handles requests on lis until ctx is cancelled, then shuts down and
// releases the model.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("KServe server listening")

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		err = srv.Shutdown(shutdownCtx)
		cancel()
	case err = <-errCh:
	}
	if cerr := s.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("failed to release model resources")
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
