// Package omi serves a packaged model over the Open Model Interface: the
// ModzyModel gRPC service plus health and reflection, with an HTTP liveness
// route multiplexed on the same port.
package omi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kennethnrk/chassis/internal/config"
	"github.com/kennethnrk/chassis/internal/hostcheck"
	"github.com/kennethnrk/chassis/pkg/metadata"
	openmodelpb "github.com/kennethnrk/chassis/pkg/pb/openmodel"
	"github.com/kennethnrk/chassis/pkg/runner"
)

// ModelInfoFile is the metadata file read from the data directory at boot.
const ModelInfoFile = "model_info"

// Config configures a Server. Zero values select the container defaults.
type Config struct {
	DataDir         string
	Port            int
	MaxMessageBytes int
	// Metadata overrides the data directory's model_info file.
	Metadata *metadata.ModelMetadata
	// Loader overrides LoadPackaged.
	Loader Loader
	// HostProbe inspects the host after the model loads. Nil uses
	// hostcheck.Probe; set SkipHostCheck to disable the check.
	HostProbe     func(context.Context) (hostcheck.Host, error)
	SkipHostCheck bool
}

func (c Config) withDefaults() Config {
	if c.DataDir == "" {
		c.DataDir = runner.DataDir()
	}
	if c.Port == 0 {
		c.Port = config.DefaultModelPort
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = config.DefaultMaxMessageBytes
	}
	if c.Loader == nil {
		c.Loader = LoadPackaged
	}
	if c.HostProbe == nil && !c.SkipHostCheck {
		c.HostProbe = hostcheck.Probe
	}
	if c.SkipHostCheck {
		c.HostProbe = nil
	}
	return c
}

type Server struct {
	cfg     Config
	service *modelService
	grpc    *grpc.Server
	health  *health.Server
	router  *gin.Engine
}

// NewServer reads the model metadata and registers the OMI, health and
// reflection services. The model itself is loaded by the first Status call.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	meta := cfg.Metadata
	if meta == nil {
		var err error
		meta, err = metadata.Load(filepath.Join(cfg.DataDir, ModelInfoFile))
		if err != nil {
			return nil, fmt.Errorf("read model metadata: %w", err)
		}
	}

	s := &Server{
		cfg: cfg,
		service: &modelService{
			meta:    meta,
			dataDir: cfg.DataDir,
			load:    cfg.Loader,
			probe:   cfg.HostProbe,
		},
		grpc: grpc.NewServer(
			grpc.ForceServerCodec(openmodelpb.Codec{}),
			grpc.MaxRecvMsgSize(cfg.MaxMessageBytes),
			grpc.MaxSendMsgSize(cfg.MaxMessageBytes),
			grpc.ChainUnaryInterceptor(LoggingInterceptor, RecoveryInterceptor),
		),
		health: health.NewServer(),
	}
	openmodelpb.RegisterModzyModelServer(s.grpc, s.service)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	if err := openmodelpb.RegisterFileDescriptor(); err != nil {
		log.Warn().Err(err).Msg("reflection will not describe the model service")
	}
	reflection.Register(s.grpc)

	s.router = gin.New()
	s.router.GET("/health/self", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "true"})
	})
	return s, nil
}

// Metadata returns the metadata served by Status.
func (s *Server) Metadata() *metadata.ModelMetadata { return s.service.meta }

// ListenAndServe binds the configured port on all interfaces and serves
// until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.Port, err)
	}
	return s.Serve(ctx, lis)
}

// Serve accepts gRPC and HTTP/1 connections on lis until ctx is cancelled,
// then stops gracefully and releases the model.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	mux := cmux.New(lis)
	httpListener := mux.Match(cmux.HTTP1Fast())
	grpcListener := mux.Match(cmux.Any())
	httpServer := &http.Server{Handler: s.router}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(openmodelpb.ServiceName, healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 3)
	go func() {
		if err := s.grpc.Serve(grpcListener); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		errCh <- mux.Serve()
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("OMI server listening")

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	log.Info().Msg("stopping OMI server")
	s.health.Shutdown()
	s.grpc.GracefulStop()
	_ = httpServer.Close()
	mux.Close()

	s.service.mu.Lock()
	s.service.release()
	s.service.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	return err
}
