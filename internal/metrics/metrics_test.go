package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.TaskCached()
	m.TaskCached()
	m.TaskExecuted("build", 20*time.Millisecond)
	m.TaskFailed()
	m.ReusableHit()
	m.ReusableMiss()
	m.ReusableMiss()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasks.WithLabelValues(ResultCached)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues(ResultExecuted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues(ResultFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reusable.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reusable.WithLabelValues("miss")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskCached()
		m.TaskExecuted("x", time.Second)
		m.TaskFailed()
		m.ReusableHit()
		m.ReusableMiss()
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.TaskCached()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `lazypp_tasks_total{result="cached"} 1`)
}
