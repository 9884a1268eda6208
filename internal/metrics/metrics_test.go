package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/projmgr/internal/projection"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))

	// Registering twice fails
	assert.Error(t, m.Register(reg))
}

func TestObserveCommand(t *testing.T) {
	m := New()
	m.ObserveCommand("post", "ok", 10*time.Millisecond)
	m.ObserveCommand("post", "ok", 10*time.Millisecond)
	m.ObserveCommand("delete", "DELETE_FAILED", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("post", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("delete", "DELETE_FAILED")))
}

func TestSetStates_ZeroesMissing(t *testing.T) {
	m := New()
	m.SetStates(map[projection.State]int{projection.StateRunning: 3})
	m.SetStates(map[projection.State]int{projection.StateStopped: 1})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.Projections.WithLabelValues("Running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Projections.WithLabelValues("Stopped")))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCommand("post", "ok", time.Second)
	m.SetStates(nil)
	m.SetAccepting(true)
	m.ForcedStop()
	m.Fault()
}

func TestSetAccepting(t *testing.T) {
	m := New()
	m.SetAccepting(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Leader))
	m.SetAccepting(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Leader))
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))
	m.ForcedStop()

	h := NewServer(":0", reg).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "projmgr_projections_forced_stops_total 1"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServerStopBeforeStart(t *testing.T) {
	srv := NewServer("127.0.0.1:0", prometheus.NewRegistry())
	require.NoError(t, srv.Stop(context.Background()))

	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
