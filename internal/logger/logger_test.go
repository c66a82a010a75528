package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	defer Reset()
	buf := &bytes.Buffer{}
	Init(Config{Level: "info", Format: "json", Output: buf})

	Default().Info("model loaded", "device", "cpu")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "model loaded", rec["msg"])
	assert.Equal(t, "cpu", rec["device"])
}

func TestInitReplacesPrevious(t *testing.T) {
	defer Reset()
	first, second := &bytes.Buffer{}, &bytes.Buffer{}
	Init(Config{Output: first})
	Init(Config{Output: second})

	Default().Info("hello")
	assert.Zero(t, first.Len())
	assert.Contains(t, second.String(), "hello")
}

func TestLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Config{Level: "warn", Output: buf})

	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestDefaultBeforeInit(t *testing.T) {
	Reset()
	assert.NotNil(t, Default())
}

func TestFromContextAddsRequestID(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(Config{Format: "json", Output: buf})

	ctx := WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestID(ctx))
	FromContext(ctx, l).Info("handled")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "req-42", rec["request_id"])

	assert.Empty(t, RequestID(context.Background()))
}
