package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// Collectors are registered in the package var block, so observation
// functions must work without any prior setup call.
func TestCollectorsUsableWithoutSetup(t *testing.T) {
	require.NotPanics(t, func() {
		ObserveAdmission("ok")
		ObserveJob("succeeded", "youtube", 250*time.Millisecond)
		SetQueueDepth(3)
		IncActiveWorkers()
		DecActiveWorkers()
		ObserveHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, 5*time.Millisecond)
	})

	require.InDelta(t, 3, testutil.ToFloat64(queueDepth), 0.001)
	require.InDelta(t, 0, testutil.ToFloat64(activeWorkers), 0.001)
	require.GreaterOrEqual(t, testutil.ToFloat64(jobsTotal.WithLabelValues("succeeded", "youtube")), 1.0)
}

func TestHandlerServesMetrics(t *testing.T) {
	ObserveAdmission("RATE_LIMITED")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fetchq_admission_total")
}
