package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/internal/buildservice"
	"github.com/kennethnrk/chassis/internal/config"
	"github.com/kennethnrk/chassis/internal/logger"
	"github.com/kennethnrk/chassis/internal/store"
)

func main() {
	config.LoadDotEnv()
	env, err := config.LoadBuildService(config.New())
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := logger.Init("chassis-build-service", env.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("failed to init logger")
	}

	log.Info().Str("dir", env.DataDir).Msg("Initializing job store")
	st, err := store.New(env.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init store")
	}
	defer st.Close()

	svc, err := buildservice.New(st, buildservice.Options{
		DataDir:       env.DataDir,
		MaxConcurrent: env.MaxConcurrent,
		Retention:     env.ContextRetention,
		Tool:          env.Builder,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init build service")
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go svc.StartJanitor(ctx, env.JanitorInterval)

	if err := svc.ListenAndServe(ctx, env.Port); err != nil {
		log.Error().Err(err).Msg("build service stopped")
	}
}
