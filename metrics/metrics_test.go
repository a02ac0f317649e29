package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage("GENERATION", "succeeded", 2*time.Second)
	m.ObserveStage("GENERATION", "succeeded", time.Second)
	m.ObserveStage("RELEASE", "failed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.StageTransitions.WithLabelValues("GENERATION", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.StageTransitions.WithLabelValues("RELEASE", "failed")))
}

func TestGateDecisionCounter(t *testing.T) {
	m := New()
	m.GateDecisions.WithLabelValues("critical", "blocked").Inc()
	m.GateDecisions.WithLabelValues("low", "allowed").Inc()
	m.GateDecisions.WithLabelValues("low", "allowed").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(
		m.GateDecisions.WithLabelValues("low", "allowed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.StageRetries.WithLabelValues("AUDIT").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "forgegate_stage_retries_total")
}
