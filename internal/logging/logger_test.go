// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry))
	return entry
}

func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("drain completed", map[string]interface{}{"synced": 3})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "drain completed", entry["message"])
	assert.Equal(t, float64(3), entry["synced"])
	assert.NotEmpty(t, entry["timestamp"])
}

func TestLogger_minLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("put failed", io.ErrUnexpectedEOF)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "error", entry["level"])
	assert.Contains(t, entry["error"], io.ErrUnexpectedEOF.Error())
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("submit rejected", "SYNC_REJECTED", io.ErrUnexpectedEOF,
		map[string]interface{}{"item_id": "q-1"})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "SYNC_REJECTED", entry["error_code"])
	assert.Equal(t, "q-1", entry["item_id"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo).With(map[string]interface{}{"component": "engine"})

	logger.Info("pass started")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "engine", entry["component"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, LevelDebug)
	t.Cleanup(func() { Init(io.Discard, LevelInfo) })

	Debug("debug line")
	Info("info line")
	Warn("warn line")
	Error("error line", nil)
	ErrorWithCode("coded line", "X", nil)

	out := buf.String()
	for _, msg := range []string{"debug line", "info line", "warn line", "error line", "coded line"} {
		assert.Contains(t, out, msg)
	}
}
