// Package config reads process configuration from the environment through
// viper. An optional .env file in the working directory is loaded first.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	DefaultModelPort       = 45000
	DefaultMaxMessageBytes = 256 << 20
)

// Runtime is the configuration of the in-container model server.
type Runtime struct {
	ModelPort       int
	HTTPPort        int
	ModelName       string
	Protocol        string
	DataDir         string
	MaxMessageBytes int
	LogLevel        string
	Server          string
}

// BuildService is the configuration of the remote build service.
type BuildService struct {
	Port             int
	DataDir          string
	Builder          string
	MaxConcurrent    int
	ContextRetention time.Duration
	JanitorInterval  time.Duration
	LogLevel         string
}

var dotenvOnce sync.Once

// LoadDotEnv loads .env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv() {
	dotenvOnce.Do(func() {
		_ = godotenv.Load()
	})
}

// New returns a viper instance bound to the environment.
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	return v
}

// LoadRuntime reads the model server settings from v.
func LoadRuntime(v *viper.Viper) (Runtime, error) {
	v.SetDefault("PSC_MODEL_PORT", DefaultModelPort)
	v.SetDefault("HTTP_PORT", DefaultModelPort)
	v.SetDefault("MODEL_NAME", "default")
	v.SetDefault("PROTOCOL", "v2")
	v.SetDefault("CHASSIS_DATA_DIR", "data")
	v.SetDefault("CHASSIS_MAX_MESSAGE_BYTES", fmt.Sprint(DefaultMaxMessageBytes))
	v.SetDefault("APP_LOG_LEVEL", "INFO")

	env := Runtime{
		ModelPort: v.GetInt("PSC_MODEL_PORT"),
		HTTPPort:  v.GetInt("HTTP_PORT"),
		ModelName: strings.TrimSpace(v.GetString("MODEL_NAME")),
		Protocol:  strings.ToLower(strings.TrimSpace(v.GetString("PROTOCOL"))),
		DataDir:   v.GetString("CHASSIS_DATA_DIR"),
		LogLevel:  v.GetString("APP_LOG_LEVEL"),
		Server:    strings.ToLower(strings.TrimSpace(v.GetString("CHASSIS_SERVER"))),
	}
	if err := checkPort("PSC_MODEL_PORT", env.ModelPort); err != nil {
		return Runtime{}, err
	}
	if err := checkPort("HTTP_PORT", env.HTTPPort); err != nil {
		return Runtime{}, err
	}
	if env.Protocol != "v1" && env.Protocol != "v2" {
		return Runtime{}, fmt.Errorf("invalid PROTOCOL: %q", env.Protocol)
	}
	if env.Server != "" && env.Server != "omi" && env.Server != "kserve" {
		return Runtime{}, fmt.Errorf("invalid CHASSIS_SERVER: %q", env.Server)
	}
	size, err := humanize.ParseBytes(v.GetString("CHASSIS_MAX_MESSAGE_BYTES"))
	if err != nil || size == 0 || size > 1<<31-1 {
		return Runtime{}, fmt.Errorf("invalid CHASSIS_MAX_MESSAGE_BYTES: %q", v.GetString("CHASSIS_MAX_MESSAGE_BYTES"))
	}
	env.MaxMessageBytes = int(size)
	return env, nil
}

// LoadBuildService reads the build service settings from v.
func LoadBuildService(v *viper.Viper) (BuildService, error) {
	v.SetDefault("BUILD_SERVICE_PORT", 8080)
	v.SetDefault("BUILD_SERVICE_DATA_DIR", "build-service-data")
	v.SetDefault("BUILD_SERVICE_BUILDER", "buildah")
	v.SetDefault("BUILD_SERVICE_MAX_CONCURRENT", 2)
	v.SetDefault("BUILD_SERVICE_CONTEXT_RETENTION", "24h")
	v.SetDefault("BUILD_SERVICE_JANITOR_INTERVAL", "10m")
	v.SetDefault("APP_LOG_LEVEL", "INFO")

	env := BuildService{
		Port:          v.GetInt("BUILD_SERVICE_PORT"),
		DataDir:       v.GetString("BUILD_SERVICE_DATA_DIR"),
		Builder:       strings.ToLower(strings.TrimSpace(v.GetString("BUILD_SERVICE_BUILDER"))),
		MaxConcurrent: v.GetInt("BUILD_SERVICE_MAX_CONCURRENT"),
		LogLevel:      v.GetString("APP_LOG_LEVEL"),
	}
	if err := checkPort("BUILD_SERVICE_PORT", env.Port); err != nil {
		return BuildService{}, err
	}
	if env.Builder != "buildah" && env.Builder != "docker" {
		return BuildService{}, fmt.Errorf("invalid BUILD_SERVICE_BUILDER: %q", env.Builder)
	}
	if env.MaxConcurrent < 1 {
		return BuildService{}, fmt.Errorf("invalid BUILD_SERVICE_MAX_CONCURRENT: %d", env.MaxConcurrent)
	}
	retention, err := time.ParseDuration(v.GetString("BUILD_SERVICE_CONTEXT_RETENTION"))
	if err != nil || retention <= 0 {
		return BuildService{}, fmt.Errorf("invalid BUILD_SERVICE_CONTEXT_RETENTION: %q", v.GetString("BUILD_SERVICE_CONTEXT_RETENTION"))
	}
	env.ContextRetention = retention
	interval, err := time.ParseDuration(v.GetString("BUILD_SERVICE_JANITOR_INTERVAL"))
	if err != nil || interval <= 0 {
		return BuildService{}, fmt.Errorf("invalid BUILD_SERVICE_JANITOR_INTERVAL: %q", v.GetString("BUILD_SERVICE_JANITOR_INTERVAL"))
	}
	env.JanitorInterval = interval
	return env, nil
}

func checkPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid %s: %d", name, port)
	}
	return nil
}

var (
	runtimeOnce sync.Once
	runtimeEnv  Runtime
	runtimeErr  error
)

// RuntimeEnv loads the model server settings once per process.
func RuntimeEnv() (Runtime, error) {
	runtimeOnce.Do(func() {
		LoadDotEnv()
		runtimeEnv, runtimeErr = LoadRuntime(New())
		if runtimeErr == nil {
			log.Debug().Msg("Env initialized!")
		}
	})
	return runtimeEnv, runtimeErr
}
