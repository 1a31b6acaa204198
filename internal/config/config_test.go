package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestLoadDefaults(t *testing.T) {
	opts, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", opts.Listen)
	assert.Equal(t, "txexec.db", opts.DB)
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, "loop", opts.Delivery)
	assert.Equal(t, 30*time.Second, opts.ShutdownTimeout)
	assert.Equal(t, slog.LevelInfo, opts.LogLevel())
	assert.Equal(t, 5, opts.Retry.Attempts)
	assert.Equal(t, 50*time.Millisecond, opts.Retry.Duration)
	assert.Equal(t, 168*time.Hour, opts.Janitor.Retention)
	assert.Equal(t, os.Stdout, opts.LogWriter())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TXEXEC_LISTEN", ":9090")
	t.Setenv("TXEXEC_DB", "/tmp/test.db")
	t.Setenv("TXEXEC_LOG_LEVEL", "debug")
	t.Setenv("TXEXEC_RETRY_ATTEMPTS", "9")

	opts, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9090", opts.Listen)
	assert.Equal(t, "/tmp/test.db", opts.DB)
	assert.Equal(t, slog.LevelDebug, opts.LogLevel())
	assert.Equal(t, 9, opts.Retry.Attempts)
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txexec.yml")
	data := `
db: file.db
workers: 2
delivery: direct
log:
  level: warn
  file: /tmp/txexec.log
janitor:
  retention: 1h
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("TXEXEC_DB", "env.db")
	t.Setenv("TXEXEC_LISTEN", ":7070")

	opts, err := Load([]string{"--config", path, "--workers", "8"})
	require.NoError(t, err)

	assert.Equal(t, 8, opts.Workers, "command line wins over file")
	assert.Equal(t, "file.db", opts.DB, "file wins over env")
	assert.Equal(t, ":7070", opts.Listen, "env kept when file is silent")
	assert.Equal(t, "direct", opts.Delivery)
	assert.Equal(t, slog.LevelWarn, opts.LogLevel())
	assert.Equal(t, time.Hour, opts.Janitor.Retention)
	assert.Equal(t, 5, opts.Retry.Attempts, "default kept when file is silent")

	lj, ok := opts.LogWriter().(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, "/tmp/txexec.log", lj.Filename)
	assert.Equal(t, 100, lj.MaxSize)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]string{"--workers", "0"})
	assert.Error(t, err)

	_, err = Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yml")})
	assert.Error(t, err)

	_, err = Load([]string{"--delivery", "carrier-pigeon"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	require.NotNil(t, logger)

	logger.Info("test message", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())
	for _, key := range []string{"time", "level", "msg"} {
		assert.Contains(t, entry, key)
	}
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}
