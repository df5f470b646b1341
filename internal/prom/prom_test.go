package prom

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gotest.tools/assert"

	"github.com/determined-ai/fleetsched/internal/scheduler"
)

func testSummary() *scheduler.InvocationSummary {
	return &scheduler.InvocationSummary{
		StartTime: time.Unix(1700000000, 0),
		Duration:  3 * time.Second,
		Outcomes: []scheduler.TransitionOutcome{
			{Instance: "i-1", Action: scheduler.Stop, Result: scheduler.Succeeded},
			{Instance: "i-2", Action: scheduler.Stop, Result: scheduler.Failed, Reason: "nope"},
			{Instance: "i-3", Action: scheduler.Start, Result: scheduler.Succeeded},
		},
		PhaseErrors: []scheduler.PhaseError{
			{Phase: scheduler.StartPhase, Err: errors.New("throttled")},
		},
	}
}

func TestObserve(t *testing.T) {
	m := NewMetrics()
	m.Observe(testSummary())
	m.Observe(testSummary())

	assert.Equal(t, testutil.ToFloat64(m.invocations), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.transitions.WithLabelValues("stop", "succeeded")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.transitions.WithLabelValues("stop", "failed")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.transitions.WithLabelValues("start", "succeeded")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.phaseErrors.WithLabelValues("start-stopped")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.actedByRun.WithLabelValues("stop")), 2.0)
	assert.Equal(t, testutil.ToFloat64(m.actedByRun.WithLabelValues("start")), 1.0)
	assert.Equal(t, testutil.ToFloat64(m.lastRun), 1700000000.0)
}

func TestPush(t *testing.T) {
	var method, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewMetrics()
	m.Observe(testSummary())
	assert.NilError(t, m.Push(server.URL, "fleet-scheduler"))
	assert.Equal(t, method, http.MethodPut)
	assert.Equal(t, path, "/metrics/job/fleet-scheduler")
}

func TestPushFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewMetrics().Push(server.URL, "fleet-scheduler")
	assert.ErrorContains(t, err, "cannot push metrics")
}
