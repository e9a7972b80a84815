package chassis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/internal/config"
	"github.com/kennethnrk/chassis/pkg/builder"
	"github.com/kennethnrk/chassis/pkg/runner"
	"github.com/kennethnrk/chassis/pkg/server/kserve"
	"github.com/kennethnrk/chassis/pkg/server/omi"
)

type modelServer interface {
	ListenAndServe(ctx context.Context) error
	Serve(ctx context.Context, lis net.Listener) error
}

// Serve starts the model server packaged under baseDir and blocks until ctx
// is cancelled. env.Server picks the server; when it is empty the context
// layout decides, falling back to OMI.
func Serve(ctx context.Context, env config.Runtime, baseDir string) error {
	srv, err := newModelServer(env, baseDir)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx)
}

// SelectServer returns the server to start for the context under baseDir.
func SelectServer(env config.Runtime, baseDir string) string {
	if env.Server != "" {
		return env.Server
	}
	for _, name := range []string{builder.ServerOMI, builder.ServerKServe} {
		if fi, err := os.Stat(filepath.Join(baseDir, builder.ServerDir(name))); err == nil && fi.IsDir() {
			return name
		}
	}
	return builder.ServerOMI
}

func newModelServer(env config.Runtime, baseDir string) (modelServer, error) {
	server := SelectServer(env, baseDir)
	cfgPath := filepath.Join(baseDir, builder.ServerDir(server), builder.ServerConfigName)
	if sc, err := builder.LoadServerConfig(cfgPath); err == nil {
		if sc.Server != "" && sc.Server != server {
			return nil, fmt.Errorf("%s is configured for server %q, not %q", cfgPath, sc.Server, server)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	dataDir := env.DataDir
	if dataDir == "" {
		dataDir = runner.DefaultDataDir
	}
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(baseDir, dataDir)
	}
	// Predictors resolve packaged files through the environment.
	if err := os.Setenv(runner.DataDirEnv, dataDir); err != nil {
		return nil, err
	}

	log.Info().Str("server", server).Str("dataDir", dataDir).Msg("Starting model server")
	switch server {
	case builder.ServerOMI:
		return omi.NewServer(omi.Config{
			DataDir:         dataDir,
			Port:            env.ModelPort,
			MaxMessageBytes: env.MaxMessageBytes,
		})
	case builder.ServerKServe:
		return kserve.NewServer(kserve.Config{
			DataDir:   dataDir,
			Port:      env.HTTPPort,
			ModelName: env.ModelName,
			Protocol:  env.Protocol,
		})
	default:
		return nil, fmt.Errorf("unsupported server %q", server)
	}
}
