package monitoring

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

func TestHTTPMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetricsCollector("mediplus", reg)

	spans := &bytes.Buffer{}
	tracing, err := NewStdoutTracingManager(&TracingConfig{
		ServiceName:  "mediplus",
		Environment:  "test",
		SamplingRate: 1.0,
	}, spans)
	require.NoError(t, err)

	mm := NewMonitoringMiddleware(metrics, tracing, logger.NewNop())
	router := mux.NewRouter()
	router.Use(mm.HTTPMiddleware)
	router.HandleFunc("/prescriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.NotNil(t, r.Context().Value(logger.RequestIDKey))
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prescriptions/7", nil))
	rec2 := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/prescriptions/8", nil)
	req.Header.Set("X-Request-ID", "req-8")
	router.ServeHTTP(rec2, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
	assert.Equal(t, "req-8", rec2.Header().Get("X-Request-ID"))

	// Both requests share one route label.
	assert.Equal(t, 2.0, testutil.ToFloat64(
		metrics.httpRequestsTotal.WithLabelValues(http.MethodGet, "/prescriptions/{id}", "404", "mediplus")))

	require.NoError(t, tracing.Shutdown(context.Background()))
	assert.Contains(t, spans.String(), "GET /prescriptions/{id}")
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var metrics *MetricsCollector
	metrics.RecordSagaOutcome("create_prescription", "ok")
	metrics.RecordStoreRetry("append_history")

	var tracing *TracingManager
	ctx, span := tracing.StartSagaSpan(context.Background(), "fulfill_prescription")
	span.End()
	assert.Equal(t, "", TraceIDFromContext(ctx))
	assert.NoError(t, tracing.Shutdown(context.Background()))
}
