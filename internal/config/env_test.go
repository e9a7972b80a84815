package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRuntimeDefaults(t *testing.T) {
	env, err := LoadRuntime(New())
	require.NoError(t, err)
	assert.Equal(t, 45000, env.ModelPort)
	assert.Equal(t, 45000, env.HTTPPort)
	assert.Equal(t, "default", env.ModelName)
	assert.Equal(t, "v2", env.Protocol)
	assert.Equal(t, "data", env.DataDir)
	assert.Equal(t, 256<<20, env.MaxMessageBytes)
	assert.Equal(t, "", env.Server)
}

func TestLoadRuntimeFromEnv(t *testing.T) {
	t.Setenv("PSC_MODEL_PORT", "5001")
	t.Setenv("PROTOCOL", "V1")
	t.Setenv("MODEL_NAME", "sentiment")
	t.Setenv("CHASSIS_MAX_MESSAGE_BYTES", "64MiB")
	t.Setenv("CHASSIS_SERVER", "kserve")

	env, err := LoadRuntime(New())
	require.NoError(t, err)
	assert.Equal(t, 5001, env.ModelPort)
	assert.Equal(t, "v1", env.Protocol)
	assert.Equal(t, "sentiment", env.ModelName)
	assert.Equal(t, 64<<20, env.MaxMessageBytes)
	assert.Equal(t, "kserve", env.Server)
}

func TestLoadRuntimeRejectsBadValues(t *testing.T) {
	for name, value := range map[string]string{
		"PSC_MODEL_PORT":            "70000",
		"PROTOCOL":                  "v3",
		"CHASSIS_MAX_MESSAGE_BYTES": "lots",
		"CHASSIS_SERVER":            "flask",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			_, err := LoadRuntime(New())
			assert.Error(t, err)
		})
	}
}

func TestLoadBuildService(t *testing.T) {
	t.Setenv("BUILD_SERVICE_BUILDER", "docker")
	t.Setenv("BUILD_SERVICE_CONTEXT_RETENTION", "2h")

	env, err := LoadBuildService(New())
	require.NoError(t, err)
	assert.Equal(t, 8080, env.Port)
	assert.Equal(t, "docker", env.Builder)
	assert.Equal(t, 2, env.MaxConcurrent)
	assert.Equal(t, 2*time.Hour, env.ContextRetention)
	assert.Equal(t, 10*time.Minute, env.JanitorInterval)

	t.Setenv("BUILD_SERVICE_JANITOR_INTERVAL", "never")
	_, err = LoadBuildService(New())
	assert.Error(t, err)

	t.Setenv("BUILD_SERVICE_JANITOR_INTERVAL", "1m")
	t.Setenv("BUILD_SERVICE_MAX_CONCURRENT", "0")
	_, err = LoadBuildService(New())
	assert.Error(t, err)
}
