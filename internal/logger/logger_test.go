package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewJSONFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", "json")
	l.Info("monitor: hidden")
	l.Warn("monitor: phase lost", "phase", "B")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "monitor: phase lost", rec["msg"])
	assert.Equal(t, "B", rec["phase"])
	assert.Equal(t, "WARN", rec["level"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, "info", "text").Info("producer: connected", "broker", "tcp://x:1883")
	assert.Contains(t, buf.String(), `msg="producer: connected"`)
	assert.Contains(t, buf.String(), "broker=tcp://x:1883")
}
