package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	m := New()
	require.NotNil(t, m)
	require.NotNil(t, m.Registry())

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestScanTaskMetrics(t *testing.T) {
	m := New()

	m.IncrementTasksTotal("discovery", "completed")
	m.IncrementTasksTotal("discovery", "completed")
	m.IncrementTasksTotal("deep", "failed")
	m.RecordTaskDuration("quick", 3*time.Second)
	m.IncrementScanErrors("quick", "TOOL_TIMEOUT")
	m.IncrementHostsSeen("discovery", "up", 12)
	m.IncrementPortsSeen("quick", "open", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("discovery", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.WithLabelValues("deep", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.scanErrors.WithLabelValues("quick", "TOOL_TIMEOUT")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.hostsSeen.WithLabelValues("discovery", "up")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.portsSeen.WithLabelValues("quick", "open")))
}

func TestQueueMetrics(t *testing.T) {
	m := New()

	m.SetQueueDepth(7)
	m.SetQueueCapacity(1000)
	m.SetActiveWorkers(3)
	m.IncrementTasksRejected()
	m.IncrementTasksRejected()

	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1000.0, testutil.ToFloat64(m.queueCapacity))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeWorkers))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksRejected))
}

func TestReconMetrics(t *testing.T) {
	m := New()

	m.IncrementMergesTotal("created")
	m.IncrementMergesTotal("updated")
	m.IncrementMergesTotal("updated")
	m.IncrementEventsTotal("new_device")
	m.SetDevicesTracked("up", 42)
	m.RecordMergeDuration(5 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergesTotal.WithLabelValues("created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.mergesTotal.WithLabelValues("updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("new_device")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.devicesTracked.WithLabelValues("up")))
}

func TestRecordDatabaseQuery(t *testing.T) {
	m := New()

	m.RecordDatabaseQuery("get device", 2*time.Millisecond, true)
	m.RecordDatabaseQuery("get device", 2*time.Millisecond, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbQueries.WithLabelValues("get device", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbQueries.WithLabelValues("get device", "error")))
}

func TestUpdateSystemMetrics(t *testing.T) {
	m := New()

	before := m.LastUpdate()
	m.UpdateSystemMetrics()

	assert.True(t, m.LastUpdate().After(before))
	assert.Greater(t, testutil.ToFloat64(m.goroutines), 0.0)
	assert.Greater(t, testutil.ToFloat64(m.memoryUsage), 0.0)
}

func TestStartPeriodicUpdates(t *testing.T) {
	m := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.StartPeriodicUpdates(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic updates did not stop after cancel")
	}

	assert.False(t, m.LastUpdate().IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.IncrementTasksTotal("discovery", "completed")

	handler := promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "pulse_scan_tasks_total"))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestGlobal(t *testing.T) {
	first := Global()
	second := Global()
	assert.Same(t, first, second)
}
