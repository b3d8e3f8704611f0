package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

// RequestLogger is the logging surface the middleware needs
type RequestLogger interface {
	HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, duration int64)
}

// MonitoringMiddleware combines metrics, tracing, and logging
type MonitoringMiddleware struct {
	metrics *MetricsCollector
	tracing *TracingManager
	logger  RequestLogger
}

// NewMonitoringMiddleware creates a new monitoring middleware. metrics and
// tracing may be nil.
func NewMonitoringMiddleware(metrics *MetricsCollector, tracing *TracingManager, logger RequestLogger) *MonitoringMiddleware {
	return &MonitoringMiddleware{
		metrics: metrics,
		tracing: tracing,
		logger:  logger,
	}
}

// HTTPMiddleware assigns a request id, traces, times and logs each request
func (mm *MonitoringMiddleware) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), logger.RequestIDKey, requestID)

		route := routeTemplate(r)
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
		ctx, span := mm.tracing.StartHTTPSpan(ctx, r.Method, route)
		defer span.End()

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapper.Header().Set("X-Request-ID", requestID)
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			wrapper.Header().Set("X-Trace-ID", traceID)
		}

		next.ServeHTTP(wrapper, r.WithContext(ctx))

		duration := time.Since(start)
		span.SetAttributes(semconv.HTTPStatusCode(wrapper.statusCode))
		mm.metrics.RecordHTTPRequest(r.Method, route, wrapper.statusCode, duration)
		if mm.logger != nil {
			mm.logger.HTTPRequest(ctx, r.Method, r.URL.Path, r.RemoteAddr, wrapper.statusCode, duration.Milliseconds())
		}
	})
}

// routeTemplate keeps metric label cardinality bounded by using the mux
// route pattern instead of the raw path.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
