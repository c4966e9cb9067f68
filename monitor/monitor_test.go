package monitor

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_StoreRetriesByOperation(t *testing.T) {
	m := NewMonitor("partysync_test")

	m.IncStoreRetries("submit-answer:r1:p1")
	m.IncStoreRetries("submit-answer:r2:p9")
	m.IncStoreRetries("create-round:s1")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.metrics.StoreRetries.WithLabelValues("submit-answer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.StoreRetries.WithLabelValues("create-round")))
}

func TestMonitor_IndependentRegistries(t *testing.T) {
	a := NewMonitor("partysync_test")
	b := NewMonitor("partysync_test")

	a.IncEventsReceived("show_results")
	a.ObserveReconcile("store", 5*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.EventsReceived.WithLabelValues("show_results")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.metrics.EventsReceived.WithLabelValues("show_results")))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "partysync_test_reconciliations_total")
}

func TestMonitor_NilSafe(t *testing.T) {
	var m *Monitor
	assert.NotPanics(t, func() {
		m.IncStoreRetries("create-session:r:survey")
		m.IncEventsPublished("game_start")
		m.SetActiveRooms(3)
		m.ObserveReconcile("snapshot", time.Second)
	})
}
