package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func newInstrumentedRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Post("/cycles/close", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Method(http.MethodGet, "/metrics", Handler())
	return r
}

func TestInstrumentHandler_CountsByStatus(t *testing.T) {
	h := newInstrumentedRouter()
	counter := httpRequests.WithLabelValues("POST", "/cycles/close", "409")
	before := testutil.ToFloat64(counter)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/cycles/close", nil))

	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestInstrumentHandler_UnmatchedPathsShareOneSeries(t *testing.T) {
	h := newInstrumentedRouter()
	counter := httpRequests.WithLabelValues("GET", "other", "404")
	before := testutil.ToFloat64(counter)
	series := testutil.CollectAndCount(httpRequests)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x/abc123", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x/def456", nil))

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Equal(t, series, testutil.CollectAndCount(httpRequests))
}

func TestInstrumentHandler_SkipsMetricsEndpoint(t *testing.T) {
	h := newInstrumentedRouter()
	counter := httpRequests.WithLabelValues("GET", "/metrics", "200")
	before := testutil.ToFloat64(counter)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, before, testutil.ToFloat64(counter))
}

func TestRecordAppraisalTransition(t *testing.T) {
	counter := appraisalTransitions.WithLabelValues("CLOSED")
	before := testutil.ToFloat64(counter)

	RecordAppraisalTransition("CLOSED", 0)
	RecordAppraisalTransition("CLOSED", 3)

	assert.Equal(t, before+3, testutil.ToFloat64(counter))
}

func TestHandler_ExposesDomainCounters(t *testing.T) {
	RecordCycleEvent("created")
	RecordExpirySweep(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `appraisal_cycles_events_total{event="created"}`)
	assert.Contains(t, rec.Body.String(), `appraisal_scheduler_expiry_sweeps_total{success="true"}`)
}
