package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/embedded"

	"github.com/njoerd114/unforgotten/internal/config"
)

func TestNew_TextFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closeFn, err := New(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)
	defer closeFn()

	log.Info("hidden")
	log.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "k=v")
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := New(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	log.Debug("synced", "kind", "appointments")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "synced", line["msg"])
	assert.Equal(t, "appointments", line["kind"])
}

func TestNew_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "unforgotten.log")
	var stderr bytes.Buffer
	log, closeFn, err := New(config.LogConfig{File: path, MaxSizeMB: 1, MaxBackups: 1}, &stderr)
	require.NoError(t, err)

	log.Info("to file")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Empty(t, stderr.String())
}

func TestNew_Invalid(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	require.Error(t, err)
	_, _, err = New(config.LogConfig{Format: "xml"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestTee_WritesToEveryEnabledHandler(t *testing.T) {
	var a, b bytes.Buffer
	log := Tee(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	).With("component", "sync")

	log.Debug("dbg")
	log.Error("boom")

	assert.Contains(t, a.String(), "msg=dbg")
	assert.Contains(t, a.String(), "component=sync")
	assert.Contains(t, a.String(), "msg=boom")
	assert.NotContains(t, b.String(), "dbg")
	assert.True(t, strings.Contains(b.String(), "msg=boom"))
}

type recordingLogger struct {
	embedded.Logger
	mu   sync.Mutex
	recs []otellog.Record
}

func (l *recordingLogger) Emit(_ context.Context, r otellog.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, r)
}

func (l *recordingLogger) Enabled(context.Context, otellog.EnabledParameters) bool { return true }

func TestOTelHandler_Emits(t *testing.T) {
	rl := &recordingLogger{}
	log := slog.New(NewOTelHandler(rl, slog.LevelInfo)).With("component", "outbox").WithGroup("entry")

	log.Debug("skipped")
	log.Warn("upload failed", "attempts", 3, "dropped", false)

	require.Len(t, rl.recs, 1)
	rec := rl.recs[0]
	assert.Equal(t, "upload failed", rec.Body().AsString())
	assert.Equal(t, otellog.SeverityWarn, rec.Severity())

	got := map[string]otellog.Value{}
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		got[kv.Key] = kv.Value
		return true
	})
	assert.Equal(t, "outbox", got["component"].AsString())
	assert.Equal(t, int64(3), got["entry.attempts"].AsInt64())
	assert.False(t, got["entry.dropped"].AsBool())
}
