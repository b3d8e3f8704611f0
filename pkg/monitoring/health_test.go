package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func failing(ctx context.Context) (map[string]interface{}, error) {
	return nil, errors.New("connection refused")
}

func TestCheckHealth(t *testing.T) {
	tests := []struct {
		name     string
		register func(hm *HealthManager)
		want     HealthStatus
		code     int
	}{
		{
			name: "all healthy",
			register: func(hm *HealthManager) {
				hm.Register("ledger", true, healthy)
				hm.Register("redis", false, healthy)
			},
			want: HealthStatusHealthy,
			code: http.StatusOK,
		},
		{
			name: "critical probe fails",
			register: func(hm *HealthManager) {
				hm.Register("ledger", true, failing)
				hm.Register("redis", false, healthy)
			},
			want: HealthStatusUnhealthy,
			code: http.StatusServiceUnavailable,
		},
		{
			name: "non-critical probe fails",
			register: func(hm *HealthManager) {
				hm.Register("ledger", true, healthy)
				hm.Register("redis", false, failing)
			},
			want: HealthStatusDegraded,
			code: http.StatusOK,
		},
		{
			name: "critical probe degraded",
			register: func(hm *HealthManager) {
				hm.Register("database", true, func(ctx context.Context) (map[string]interface{}, error) {
					return nil, fmt.Errorf("%w: pool busy", ErrDegraded)
				})
			},
			want: HealthStatusDegraded,
			code: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hm := NewHealthManager("mediplus", "test")
			tt.register(hm)

			rec := httptest.NewRecorder()
			hm.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.code, rec.Code)

			var report HealthReport
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.want, report.Status)
			assert.Equal(t, "mediplus", report.Service)
		})
	}
}

func TestCheckHealth_SortsChecks(t *testing.T) {
	hm := NewHealthManager("mediplus", "test")
	hm.Register("redis", false, healthy)
	hm.Register("database", true, healthy)
	hm.Register("ledger", true, failing)

	report := hm.CheckHealth(context.Background())
	require.Len(t, report.Checks, 3)
	assert.Equal(t, "database", report.Checks[0].Name)
	assert.Equal(t, "ledger", report.Checks[1].Name)
	assert.Equal(t, "redis", report.Checks[2].Name)
	assert.Equal(t, "connection refused", report.Checks[1].Message)
	assert.True(t, report.Checks[1].Critical)
}

func TestDatabaseProbe(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	details, err := DatabaseProbe(db)(context.Background())
	require.NoError(t, err)
	assert.Contains(t, details, "open_connections")

	mock.ExpectPing().WillReturnError(errors.New("down"))
	_, err = DatabaseProbe(db)(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrDegraded))

	require.NoError(t, mock.ExpectationsWereMet())
}
