package lazypp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen740/lazypp/internal/logging"
)

func double(ctx context.Context, c *Context, in int) (int, error) { return in * 2, nil }

func TestTask_ShowInputAndOutput(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(slog.LevelInfo, "text", &buf)
	require.NoError(t, err)

	out, err := New("show", double, 21,
		WithCacheDir(t.TempDir()), WithLogger(log), WithShowInput(), WithShowOutput(),
	).Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	logs := buf.String()
	assert.Contains(t, logs, `msg="task input"`)
	assert.Contains(t, logs, "__lazypp_task__")
	assert.Contains(t, logs, `msg="task output" task=show`)
	assert.Contains(t, logs, "output=42")
}

func TestTask_QuietByDefault(t *testing.T) {
	var buf bytes.Buffer
	log, err := logging.New(slog.LevelInfo, "text", &buf)
	require.NoError(t, err)

	_, err = New("quiet", double, 1, WithCacheDir(t.TempDir()), WithLogger(log)).Result(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "task input")
	assert.NotContains(t, buf.String(), "task output")
}

func TestTask_Metrics(t *testing.T) {
	m := NewMetrics()
	cache := t.TempDir()
	opts := []Option{WithCacheDir(cache), WithMetrics(m), WithLogger(logging.NewNop())}

	_, err := New("m", double, 3, opts...).Result(context.Background())
	require.NoError(t, err)
	_, err = New("m", double, 3, opts...).Result(context.Background())
	require.NoError(t, err)
	_, err = New("m-fail", func(ctx context.Context, c *Context, in int) (int, error) {
		return 0, errors.New("boom")
	}, 3, opts...).Result(context.Background())
	require.Error(t, err)

	expected := `
# HELP lazypp_tasks_total Task evaluations by result
# TYPE lazypp_tasks_total counter
lazypp_tasks_total{result="cached"} 1
lazypp_tasks_total{result="executed"} 1
lazypp_tasks_total{result="failed"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "lazypp_tasks_total"))
	n, err := testutil.GatherAndCount(m.Registry(), "lazypp_task_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
