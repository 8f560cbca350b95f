package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New()

	m.Transition("greeting", "concept-gathering", "user_input_received")
	m.Transition("greeting", "concept-gathering", "user_input_received")
	m.Rejection("greeting", "user_selection_made", "invalid_transition")
	m.Timeout("awaiting-selection", "timeout")
	m.SessionCreated()
	m.SessionMoved("", "initialization")
	m.SessionMoved("initialization", "generation")
	m.HookDone("generation", 50*time.Millisecond, nil)
	m.Generation("generating-options", errors.New("boom"))
	m.SweepDone(time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("greeting", "concept-gathering", "user_input_received")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("greeting", "user_selection_made", "invalid_transition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts.WithLabelValues("awaiting-selection", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsCreated))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeSessions.WithLabelValues("initialization")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions.WithLabelValues("generation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.generationCalls.WithLabelValues("generating-options", "error")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("a", "b", "c")
		m.Rejection("a", "b", "c")
		m.Timeout("a", "timeout")
		m.SessionCreated()
		m.SessionMoved("a", "b")
		m.HookDone("h", time.Second, nil)
		m.Generation("s", nil)
		m.SweepDone(time.Second)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Transition("exporting", "completed", "export_completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `charforge_transitions_total{from_state="exporting",to_state="completed",trigger="export_completed"} 1`))
	assert.Contains(t, string(body), "go_goroutines")
}
