package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogging(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		Shutdown()
		Init(Config{Format: "json", Level: "info"})
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warning ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestInitWritesJSONWithComponent(t *testing.T) {
	resetLogging(t)

	var buf bytes.Buffer
	Init(Config{Format: "json", Level: "debug", Component: "flags", Output: &buf})
	log.Debug().Str("flag", "ar_mode").Msg("loaded")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "flags", entry["component"])
	assert.Equal(t, "ar_mode", entry["flag"])
	assert.Equal(t, "debug", entry["level"])
	assert.True(t, IsLevelEnabled(zerolog.DebugLevel))
}

func TestInitRespectsLevel(t *testing.T) {
	resetLogging(t)

	var buf bytes.Buffer
	Init(Config{Format: "json", Level: "warn", Output: &buf})
	log.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, IsLevelEnabled(zerolog.InfoLevel))
}

func TestInitAutoFormatWithoutTerminal(t *testing.T) {
	resetLogging(t)

	orig := isTerminalFn
	isTerminalFn = func(int) bool { return true }
	t.Cleanup(func() { isTerminalFn = orig })

	var buf bytes.Buffer
	Init(Config{Format: "auto", Output: &buf})
	log.Info().Msg("plain")
	// A custom writer is never a terminal, so output stays JSON.
	assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestInitFileOutput(t *testing.T) {
	resetLogging(t)

	path := filepath.Join(t.TempDir(), "logs", "access.log")
	var buf bytes.Buffer
	Init(Config{Format: "json", FilePath: path, Output: &buf})
	log.Info().Msg("to file")
	Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, RequestIDFromContext(ctx))

	ctx, id = WithRequestID(ctx, " req-1 ")
	assert.Equal(t, "req-1", id)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	//nolint:staticcheck // nil context is tolerated
	assert.Equal(t, "", RequestIDFromContext(nil))
}

func TestFromContextAddsRequestID(t *testing.T) {
	resetLogging(t)

	var buf bytes.Buffer
	Init(Config{Format: "json", Output: &buf})
	ctx, _ := WithRequestID(context.Background(), "abc")
	logger := FromContext(ctx)
	logger.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abc", entry["request_id"])
}

func TestContextLoggerKeepsBaseFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).With().Str("component", "engine").Logger()

	logger := ContextLogger(context.Background(), base)
	logger.Info().Msg("no id")
	ctx, id := WithRequestID(context.Background(), "")
	logger = ContextLogger(ctx, base)
	logger.Info().Msg("with id")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.NotContains(t, first, "request_id")
	assert.Equal(t, "engine", second["component"])
	assert.Equal(t, id, second["request_id"])
}
