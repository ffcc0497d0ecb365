package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_LevelsAndAttributes(t *testing.T) {
	var buf bytes.Buffer
	traceID := func(context.Context) string { return "abc123" }
	log := New(&buf, LevelInfo, "walker", traceID)

	log.Debug(context.Background(), "dropped")
	log.Info(context.Background(), "batch complete", "processed", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "batch complete", lines[0]["msg"])
	assert.Equal(t, "walker", lines[0]["service"])
	assert.Equal(t, "abc123", lines[0]["trace_id"])
	assert.Equal(t, float64(3), lines[0]["processed"])
	assert.Contains(t, lines[0]["file"], "logger_test.go")
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelDebug, "walker", nil).With("component", "executor")

	log.Warn(context.Background(), "slow batch")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "executor", lines[0]["component"])
	assert.Equal(t, "WARN", lines[0]["level"])
}

func TestLogger_ErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	var got []Record
	events := Events{
		Error: func(_ context.Context, r Record) { got = append(got, r) },
	}
	log := NewWithMetadata(&buf, LevelDebug, "walker", nil, events, map[string]string{"pod": "p-1"})

	log.Info(context.Background(), "ignored by event")
	log.Error(context.Background(), "process failed", "item", "a.txt")

	require.Len(t, got, 1)
	assert.Equal(t, "process failed", got[0].Message)
	assert.Equal(t, "a.txt", got[0].Attributes["item"])

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "p-1", lines[1]["pod"])
}

func TestLoggerContext_Add(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "walker", nil))

	lc.Add("job_id", "j-1")
	lc.Info(context.Background(), "acquired")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "j-1", lines[0]["job_id"])
	assert.Contains(t, lines[0]["file"], "logger_test.go")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
