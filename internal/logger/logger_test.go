package logger

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLogLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	for level, want := range map[string]zerolog.Level{
		"DEBUG":    zerolog.DebugLevel,
		"warn":     zerolog.WarnLevel,
		"ERROR":    zerolog.ErrorLevel,
		"DISABLED": zerolog.Disabled,
	} {
		require.NoError(t, setLogLevel(level))
		assert.Equal(t, want, zerolog.GlobalLevel(), level)
	}
	assert.Error(t, setLogLevel("LOUD"))
}

func TestInitWritesConsoleLines(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	prev := log.Logger
	defer func() { log.Logger = prev }()

	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(&buf, "chassis-test", "INFO"))
	log.Info().Str("model", "echo").Msg("loaded")
	assert.Contains(t, buf.String(), "loaded")
	assert.Contains(t, buf.String(), "INFO")
	assert.Contains(t, buf.String(), "logger_test.go")

	assert.Error(t, Init("chassis-test", "NOPE"))
}
