package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.AdmissionDenied("capacity")
		m.SetInFlight(3)
		m.RoutingEvent("a", "routed")
		m.DestinationHealth("a", 0.5, true)
		m.ResourceSample(10, 20)
		m.ConvoyLimit(4)
		m.ConvoyMember("succeeded")
		m.PhaseFinished("p", "succeeded")
		m.ExecutionFinished("p", "completed")
	})
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AdmissionDenied("capacity")
	m.AdmissionDenied("capacity")
	m.AdmissionDenied("rate_limit")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissionDenials.WithLabelValues("capacity")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionDenials.WithLabelValues("rate_limit")))

	m.DestinationHealth("builder", 0.75, true)
	assert.Equal(t, 0.75, testutil.ToFloat64(m.blockRate.WithLabelValues("builder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitOpen.WithLabelValues("builder")))

	m.DestinationHealth("builder", 0.1, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.circuitOpen.WithLabelValues("builder")))
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ConvoyLimit(6)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "muster_convoy_parallelism_limit 6"))
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
