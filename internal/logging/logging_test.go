package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "warn", Format: "json"}, true)

	l.Info("hidden")
	l.Warn("job failed", "job_id", "j1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "job failed", rec["msg"])
	assert.Equal(t, "j1", rec["job_id"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Config{Level: "debug"}, true)
	l.Debug("claimed", "job_id", "j2")
	out := buf.String()
	assert.Contains(t, out, "claimed")
	assert.Contains(t, out, "job_id=j2")
}
