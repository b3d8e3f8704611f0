package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector handles Prometheus metrics collection. All collectors are
// registered on the registerer passed to NewMetricsCollector, so tests can use
// a private registry.
type MetricsCollector struct {
	serviceName string
	gatherer    prometheus.Gatherer

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	chainTransactionsTotal  *prometheus.CounterVec
	chainTransactionSeconds *prometheus.HistogramVec
	sagaOutcomesTotal       *prometheus.CounterVec
	storeWriteRetriesTotal  *prometheus.CounterVec
	dbQueryDuration         *prometheus.HistogramVec
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(serviceName string, reg *prometheus.Registry) *MetricsCollector {
	m := &MetricsCollector{
		serviceName: serviceName,
		gatherer:    reg,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code", "service"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "service"},
		),
		chainTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_transactions_total",
				Help: "Total number of ledger transactions by outcome",
			},
			[]string{"method", "status", "service"},
		),
		chainTransactionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_transaction_duration_seconds",
				Help:    "Time from submission to confirmation of ledger transactions",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"method", "service"},
		),
		sagaOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saga_outcomes_total",
				Help: "Outcomes of chain-then-store operations",
			},
			[]string{"saga", "outcome", "service"},
		),
		storeWriteRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "store_write_retries_total",
				Help: "Retried record store writes following a confirmed chain write",
			},
			[]string{"operation", "service"},
		),
		dbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"query_type", "service"},
		),
	}

	reg.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.chainTransactionsTotal,
		m.chainTransactionSeconds,
		m.sagaOutcomesTotal,
		m.storeWriteRetriesTotal,
		m.dbQueryDuration,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode), m.serviceName).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint, m.serviceName).Observe(duration.Seconds())
}

// RecordChainTransaction records ledger transaction metrics
func (m *MetricsCollector) RecordChainTransaction(method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.chainTransactionsTotal.WithLabelValues(method, status, m.serviceName).Inc()
	m.chainTransactionSeconds.WithLabelValues(method, m.serviceName).Observe(duration.Seconds())
}

// RecordSagaOutcome counts the terminal outcome of a saga run
func (m *MetricsCollector) RecordSagaOutcome(saga, outcome string) {
	if m == nil {
		return
	}
	m.sagaOutcomesTotal.WithLabelValues(saga, outcome, m.serviceName).Inc()
}

// RecordStoreRetry counts one retried store write
func (m *MetricsCollector) RecordStoreRetry(operation string) {
	if m == nil {
		return
	}
	m.storeWriteRetriesTotal.WithLabelValues(operation, m.serviceName).Inc()
}

// RecordDBQuery records database query metrics
func (m *MetricsCollector) RecordDBQuery(queryType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(queryType, m.serviceName).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
