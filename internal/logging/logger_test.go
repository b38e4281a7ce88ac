package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetupWriter_JSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")

	ctx := WithRequestID(context.Background(), "req-1")
	WithFields(ctx, "file_id", "abc").Debug("converted")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "converted", entry["msg"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "abc", entry["file_id"])
}

func TestSetupWriter_LevelFilter(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "text")

	Component("session").Info("hidden")
	assert.Empty(t, buf.String())

	Component("session").Warn("shown")
	assert.Contains(t, buf.String(), "component=session")
}

func TestRequestID_Missing(t *testing.T) {
	assert.Equal(t, "", RequestID(context.Background()))
}
