package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(buf *bytes.Buffer) *Logger {
	return New(Config{Level: slog.LevelDebug, Component: ComponentRepository, Format: "json", Output: buf})
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &rec))
	return rec
}

func TestWithComponent_ReplacesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf).With(FieldCycleID, 7).WithComponent(ComponentHTTP)

	logger.Info("hello")

	assert.Equal(t, ComponentHTTP, logger.Component())
	assert.Equal(t, 1, strings.Count(buf.String(), `"component"`))
	rec := lastRecord(t, &buf)
	assert.Equal(t, ComponentHTTP, rec[FieldComponent])
	assert.Equal(t, float64(7), rec[FieldCycleID])
}

func TestFailure_AddsErrorField(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf)

	logger.Failure(context.Background(), "reload failed", errors.New("disk gone"), FieldScope, "cycles")

	rec := lastRecord(t, &buf)
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "disk gone", rec[FieldError])
	assert.Equal(t, "cycles", rec[FieldScope])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{" WARN ", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNop_Discards(t *testing.T) {
	logger := Nop()
	assert.NotPanics(t, func() { logger.Failure(context.Background(), "x", nil) })
	assert.Equal(t, ComponentApp, logger.Component())
}
