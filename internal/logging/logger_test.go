package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RenamesErrorKey(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(slog.LevelInfo, "text", &buf)
	require.NoError(t, err)

	logger.Info("boom", "error", errors.New("bad"))
	assert.Contains(t, buf.String(), "err=bad")
	assert.NotContains(t, buf.String(), "error=")
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(slog.LevelWarn, "json", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "task", "t1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"task":"t1"`)
}

func TestNew_UnknownFormat(t *testing.T) {
	_, err := New(slog.LevelInfo, "xml", nil)
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestFromContext(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))

	l := NewNop()
	assert.Same(t, l, FromContext(WithLogger(context.Background(), l)))
}
