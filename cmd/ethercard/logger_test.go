package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"trace": levelTrace,
		"TRACE": levelTrace,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := parseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestNewLoggerStderr(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := newLogger(logConfig{Level: "trace"}, &buf)
	require.NoError(t, err)
	assert.Nil(t, closer)
	l.Log(context.Background(), levelTrace, "frame")
	assert.Contains(t, buf.String(), "level=TRACE")
	assert.Contains(t, buf.String(), "msg=frame")

	buf.Reset()
	l, _, err = newLogger(logConfig{Level: "warn"}, &buf)
	require.NoError(t, err)
	l.Info("hidden")
	assert.Empty(t, buf.String())
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ethercard.log")
	var stderr bytes.Buffer
	l, closer, err := newLogger(logConfig{Level: "info", File: path, MaxSize: 1}, &stderr)
	require.NoError(t, err)
	require.NotNil(t, closer)
	l.Info("to file", "n", 1)
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "msg=\"to file\" n=1")
	assert.Empty(t, stderr.String())
}
