package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type ctxKey string

// Context keys read by WithContext.
const (
	RequestIDKey ctxKey = "request_id"
	SignerKey    ctxKey = "signer"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	log := logrus.New()

	// Set log level
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	// Set output format
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	// Set output destination
	log.SetOutput(os.Stdout)

	return &Logger{Logger: log}
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	l := New("panic")
	l.SetOutput(io.Discard)
	return l
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithContext creates a logger with context-aware fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)
	if ctx == nil {
		return entry
	}

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}
	if signer := ctx.Value(SignerKey); signer != nil {
		entry = entry.WithField("signer", signer)
	}

	return entry
}

// Audit logs audit events with structured format
func (l *Logger) Audit(actor, action, resource string, success bool, details map[string]interface{}) {
	entry := l.Logger.WithFields(logrus.Fields{
		"audit":    true,
		"actor":    actor,
		"action":   action,
		"resource": resource,
		"success":  success,
		"details":  details,
	})

	if success {
		entry.Info("Audit event")
	} else {
		entry.Warn("Audit event failed")
	}
}

// ChainTransaction logs ledger transaction events
func (l *Logger) ChainTransaction(ctx context.Context, method, signer, txHash string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"blockchain":     true,
		"method":         method,
		"from":           signer,
		"transaction_id": txHash,
		"success":        success,
		"details":        details,
	})

	if success {
		entry.Info("Chain transaction confirmed")
	} else {
		entry.Error("Chain transaction failed")
	}
}

// Saga logs the outcome of one step of a chain-then-store saga
func (l *Logger) Saga(ctx context.Context, saga, step, outcome string, fields map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"saga":    saga,
		"step":    step,
		"outcome": outcome,
	})
	if fields != nil {
		entry = entry.WithFields(fields)
	}

	switch outcome {
	case "ok":
		entry.Info("Saga step completed")
	case "partial_success":
		entry.Error("Saga left store behind chain; reconciliation required")
	case "noop":
		entry.Warn("Saga step skipped")
	case "validation", "not_found", "unauthorized", "conflict":
		entry.Warn("Saga step rejected")
	default:
		entry.Error("Saga step failed")
	}
}

// DatabaseOperation logs database operation events
func (l *Logger) DatabaseOperation(ctx context.Context, operation, table string, duration int64, rowsAffected int64, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"database":      true,
		"operation":     operation,
		"table":         table,
		"duration_ms":   duration,
		"rows_affected": rowsAffected,
		"success":       success,
		"details":       details,
	})

	if success {
		entry.Debug("Database operation completed")
	} else {
		entry.Error("Database operation failed")
	}
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}
