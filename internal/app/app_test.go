package app

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalan294/PEC-MediPlus/pkg/config"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &config.Config{
		Server:   config.ServerConfig{SignatureWindow: time.Minute},
		Database: config.DatabaseConfig{Driver: "memory"},
		Chain: config.ChainConfig{
			Backend:        "devchain",
			AdminKey:       hex.EncodeToString(crypto.FromECDSA(key)),
			ConfirmTimeout: 5 * time.Second,
		},
		Coordinator: config.CoordinatorConfig{StoreRetryAttempts: 2, StoreRetryBackoff: time.Millisecond},
		Monitoring:  config.MonitoringConfig{Enabled: true, MetricsPath: "/metrics", HealthPath: "/health"},
	}
}

func TestNew_DevchainMemory(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, logger.NewNop())
	require.NoError(t, err)
	defer a.Close(context.Background())

	require.Len(t, a.Keyring.Addresses(), 1)
	admin, err := a.Ledger.Admin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a.Keyring.Addresses()[0], admin)

	router := a.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/patients", strings.NewReader(`{"name":"P1"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Naming the admin wallet without its signature does not unlock the admin key.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/entities/e1/verify", nil)
	req.Header.Set("X-Wallet-Address", admin.Hex())
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestNew_RejectsBadAdminKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Chain.AdminKey = "zz"

	_, err := New(context.Background(), cfg, logger.NewNop())
	assert.Error(t, err)
}
