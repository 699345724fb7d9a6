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

func TestFromContextDefault(t *testing.T) {
	require.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestAddToContext(t *testing.T) {
	log := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := AddToContext(context.Background(), log)
	require.Same(t, log, FromContext(ctx))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Options{Level: slog.LevelInfo, Format: "json"})

	log.Debug("hidden")
	log.Info("pulled", "layers", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "pulled", rec["msg"])
	assert.Equal(t, float64(3), rec["layers"])
}

func TestNewFanout(t *testing.T) {
	var primary, extra bytes.Buffer
	log := New(&primary, Options{
		Level:  slog.LevelWarn,
		Format: "text",
		Extra:  []slog.Handler{slog.NewTextHandler(&extra, &slog.HandlerOptions{Level: slog.LevelDebug})},
	})

	log.Info("below level")
	log.With("run", "abc").Warn("layer skipped")

	assert.NotContains(t, primary.String(), "below level")
	assert.NotContains(t, extra.String(), "below level")
	assert.Contains(t, primary.String(), "layer skipped")
	assert.Contains(t, extra.String(), "run=abc")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelWarn},
		{"", slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			require.Equal(t, tt.expected, ParseLevel(tt.input, slog.LevelWarn))
		})
	}
}
