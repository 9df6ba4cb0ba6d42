package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.ObserveStageDuration("build", 90*time.Second)
	pr.ObserveJobDuration(2 * time.Minute)
	pr.IncJobOutcome(OutcomeReady, "")
	pr.IncJobOutcome(OutcomeError, "timeout")
	pr.IncJobOutcome(OutcomeError, "timeout")
	pr.SetBuildsInFlight(2)
	pr.IncReceiveErrors()
	pr.IncRecoveredJobs(3)
	pr.IncDeadLettered()

	assert.Equal(t, float64(2), testutil.ToFloat64(pr.jobOutcomes.WithLabelValues(OutcomeError, "timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.jobOutcomes.WithLabelValues(OutcomeReady, "")))
	assert.Equal(t, float64(2), testutil.ToFloat64(pr.buildsInFlight))
	assert.Equal(t, float64(3), testutil.ToFloat64(pr.recoveredJobs))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.receiveErrors))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.deadLettered))
	assert.Equal(t, 1, testutil.CollectAndCount(pr.stageDuration))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)
}

func TestPrometheusRecorder_Handler(t *testing.T) {
	pr := NewPrometheusRecorder(nil)
	pr.SetBuildsInFlight(1)

	rec := httptest.NewRecorder()
	pr.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "template_worker_builds_in_flight 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("fetch", time.Second)
	r.IncJobOutcome(OutcomeError, "build")
	r.SetBuildsInFlight(1)
}
