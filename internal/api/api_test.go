package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalan294/PEC-MediPlus/internal/identity"
	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/internal/ledger/devchain"
	"github.com/aalan294/PEC-MediPlus/internal/prescription"
	"github.com/aalan294/PEC-MediPlus/internal/registrar"
	"github.com/aalan294/PEC-MediPlus/internal/signerlock"
	"github.com/aalan294/PEC-MediPlus/internal/store"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

type testServer struct {
	router   *mux.Router
	chain    *devchain.Chain
	registry *ledger.Registry
	store    *store.MemoryStore
	admin    *ledger.KeySigner
	hospital *ledger.KeySigner
	doctor   *ledger.KeySigner
	pharmacy *ledger.KeySigner
}

func newKey(t *testing.T) *ledger.KeySigner {
	t.Helper()
	k, err := ledger.GenerateKeySigner()
	require.NoError(t, err)
	return k
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.NewNop()
	s := &testServer{
		store:    store.NewMemoryStore(),
		admin:    newKey(t),
		hospital: newKey(t),
		doctor:   newKey(t),
		pharmacy: newKey(t),
	}

	chain, err := devchain.OpenMemory(s.admin.Address(), log)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })
	s.chain = chain

	keyring, err := ledger.NewKeyring()
	require.NoError(t, err)
	for _, k := range []*ledger.KeySigner{s.admin, s.hospital, s.doctor, s.pharmacy} {
		keyring.Add(k)
	}

	registry := ledger.NewRegistry(chain, log, nil, nil)
	s.registry = registry
	retry := store.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}
	reg := registrar.NewRegistrar(s.store, registry, identity.NewVerifier(registry, log), log, nil, nil,
		registrar.Options{StoreRetry: retry})
	coord := prescription.NewCoordinator(s.store, registry, log, nil, nil,
		prescription.Options{StoreRetry: retry})

	auth := identity.NewRequestAuthenticator(5*time.Minute, identity.NewLocalReplayGuard(), log)
	handlers := NewHandlers(reg, coord, keyring, auth, signerlock.NewLocal(), log)
	s.router = NewRouter(handlers, monitoring.NewMonitoringMiddleware(nil, nil, log))
	return s
}

// newRequest builds a request to path under /api/v1. A non-nil wallet signs
// it for its own address.
func newRequest(t *testing.T, method, path string, wallet *ledger.KeySigner, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1"+path, bytes.NewReader(buf.Bytes()))
	req.Header.Set("Content-Type", "application/json")
	if wallet != nil {
		signRequest(t, req, wallet, wallet.Address().Hex(), time.Now().Unix(), buf.Bytes())
	}
	return req
}

// signRequest signs req with key on behalf of claimed.
func signRequest(t *testing.T, req *http.Request, key *ledger.KeySigner, claimed string, ts int64, body []byte) {
	t.Helper()
	challenge := identity.RequestChallenge(req.Method, req.URL.RequestURI(), claimed, ts, body)
	sig, err := key.SignPersonal([]byte(challenge))
	require.NoError(t, err)

	req.Header.Set(WalletHeader, claimed)
	req.Header.Set(identity.TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(identity.SignatureHeader, hexutil.Encode(sig))
}

func (s *testServer) do(t *testing.T, method, path string, wallet *ledger.KeySigner, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	return s.serve(t, newRequest(t, method, path, wallet, body))
}

func (s *testServer) serve(t *testing.T, req *http.Request) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	return rec.Code, out
}

func (s *testServer) registerVerified(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	code, out := s.do(t, http.MethodPost, "/entities", nil, body)
	require.Equal(t, http.StatusCreated, code, out)
	id := out["id"].(string)

	code, out = s.do(t, http.MethodPost, "/entities/"+id+"/verify", s.admin, nil)
	require.Equal(t, http.StatusOK, code, out)
	require.Equal(t, "verified", out["outcome"])
	return id
}

func entityBody(role, name, email string, wallet *ledger.KeySigner) map[string]interface{} {
	return map[string]interface{}{
		"role":                 role,
		"name":                 name,
		"email":                email,
		"wallet":               wallet.Address().Hex(),
		"verification_doc_ref": "cid-" + name,
		"password":             "s3cret-pass",
	}
}

func TestEntityVerification(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodPost, "/entities", nil, entityBody("hospital", "City Hospital", "ops@city.example", s.hospital))
	require.Equal(t, http.StatusCreated, code, out)
	assert.Equal(t, "hospital", out["role"])
	assert.Equal(t, false, out["verified"])
	assert.NotContains(t, out, "password_hash")
	id := out["id"].(string)

	code, out = s.do(t, http.MethodPost, "/entities/"+id+"/verify", nil, nil)
	assert.Equal(t, http.StatusForbidden, code, out)

	code, out = s.do(t, http.MethodPost, "/entities/"+id+"/verify", s.doctor, nil)
	assert.Equal(t, http.StatusForbidden, code, out)

	code, out = s.do(t, http.MethodPost, "/entities/"+id+"/verify", s.admin, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "verified", out["outcome"])

	// The ledger holds the matching record.
	record, err := s.registry.GetEntity(context.Background(), s.hospital.Address().Hex())
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, s.hospital.Address(), common.HexToAddress(record.Wallet))
	assert.Equal(t, types.RoleHospital, record.Role)
	assert.Equal(t, uint8(2), record.Role.ChainValue())
	assert.Equal(t, id, record.OffChainID)
	assert.Equal(t, "cid-City Hospital", record.VerificationDocRef)

	height, err := s.chain.Height()
	require.NoError(t, err)

	code, out = s.do(t, http.MethodPost, "/entities/"+id+"/verify", s.admin, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_verified", out["outcome"])

	after, err := s.chain.Height()
	require.NoError(t, err)
	assert.Equal(t, height, after)

	code, out = s.do(t, http.MethodGet, "/entities?role=hospital&verified=true", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), out["count"])
}

func TestEntityValidation(t *testing.T) {
	s := newTestServer(t)

	body := entityBody("hospital", "City Hospital", "not-an-email", s.hospital)
	body["wallet"] = "0x123"
	code, out := s.do(t, http.MethodPost, "/entities", nil, body)
	require.Equal(t, http.StatusBadRequest, code)

	details := out["error"].(map[string]interface{})["details"].(map[string]interface{})
	assert.Contains(t, details, "wallet")
	assert.Contains(t, details, "email")

	code, _ = s.do(t, http.MethodGet, "/entities/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, "/entities?role=surgeon", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPrescriptionLifecycle(t *testing.T) {
	s := newTestServer(t)

	hospitalID := s.registerVerified(t, entityBody("hospital", "City Hospital", "ops@city.example", s.hospital))
	doctor := entityBody("doctor", "Dr. Rao", "rao@city.example", s.doctor)
	doctor["hospital_id"] = hospitalID
	s.registerVerified(t, doctor)
	s.registerVerified(t, entityBody("pharmacy", "City Pharmacy", "ops@pharm.example", s.pharmacy))

	code, out := s.do(t, http.MethodPost, "/patients", nil, map[string]interface{}{"name": "P1", "age": 30})
	require.Equal(t, http.StatusCreated, code, out)
	patientID := out["id"].(string)

	rx := map[string]interface{}{
		"description": "seasonal flu",
		"dept":        0,
		"doctor":      "Dr. Rao",
		"medicines":   []string{"Paracetamol"},
	}
	code, out = s.do(t, http.MethodPost, "/patients/"+patientID+"/prescriptions", s.doctor, rx)
	require.Equal(t, http.StatusCreated, code, out)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, float64(1), result["prescription_id"])

	code, out = s.do(t, http.MethodGet, "/prescriptions/1", nil, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, out["fulfilled"])

	code, _ = s.do(t, http.MethodPost, "/prescriptions/1/fulfill", s.doctor, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, out = s.do(t, http.MethodPost, "/prescriptions/1/fulfill", s.pharmacy, nil)
	require.Equal(t, http.StatusOK, code, out)
	assert.Equal(t, "fulfilled", out["outcome"])

	code, out = s.do(t, http.MethodPost, "/prescriptions/1/fulfill", s.pharmacy, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_fulfilled", out["outcome"])

	code, out = s.do(t, http.MethodGet, "/patients/"+patientID+"/prescriptions", nil, nil)
	require.Equal(t, http.StatusOK, code)
	entries := out["prescriptions"].([]interface{})
	require.Len(t, entries, 1)
	live := entries[0].(map[string]interface{})["prescription"].(map[string]interface{})
	assert.Equal(t, true, live["fulfilled"])

	code, _ = s.do(t, http.MethodGet, "/prescriptions/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodGet, "/prescriptions/42", nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPrescriptionSagaFailures(t *testing.T) {
	s := newTestServer(t)

	hospitalID := s.registerVerified(t, entityBody("hospital", "City Hospital", "ops@city.example", s.hospital))
	doctor := entityBody("doctor", "Dr. Rao", "rao@city.example", s.doctor)
	doctor["hospital_id"] = hospitalID
	s.registerVerified(t, doctor)

	_, out := s.do(t, http.MethodPost, "/patients", nil, map[string]interface{}{"name": "P1"})
	path := "/patients/" + out["id"].(string) + "/prescriptions"
	rx := map[string]interface{}{"description": "flu", "doctor": "Dr. Rao", "medicines": []string{"Paracetamol"}}

	s.chain.FailNext(ledger.MethodCreatePrescription, ledger.ErrInsufficientGas)
	code, out := s.do(t, http.MethodPost, path, s.doctor, rx)
	assert.Equal(t, http.StatusBadGateway, code, out)

	s.store.FailNext(store.OpAppendHistory, assert.AnError, assert.AnError)
	code, out = s.do(t, http.MethodPost, path, s.doctor, rx)
	require.Equal(t, http.StatusAccepted, code, out)
	assert.Equal(t, "partial_success", out["outcome"])
	details := out["details"].(map[string]interface{})
	assert.Equal(t, float64(1), details["prescription_id"])
	assert.Equal(t, "append_history", details["pending_step"])

	s.chain.FailNext(ledger.MethodCreatePrescription, ledger.ErrTimeout)
	s.chain.FailNextRead(devchain.ReadConfirm, ledger.ErrNetworkUnavailable)
	code, out = s.do(t, http.MethodPost, path, s.doctor, rx)
	require.Equal(t, http.StatusGatewayTimeout, code, out)
	assert.Equal(t, "chain_outcome_unknown", out["outcome"])
	details = out["details"].(map[string]interface{})
	assert.NotEmpty(t, details["tx_hash"])
}

func TestChainRoutesRequireWalletSignature(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodPost, "/entities", nil, entityBody("hospital", "City Hospital", "ops@city.example", s.hospital))
	require.Equal(t, http.StatusCreated, code, out)
	id := out["id"].(string)
	path := "/entities/" + id + "/verify"
	admin := s.admin.Address().Hex()
	now := time.Now().Unix()

	tests := []struct {
		name  string
		build func(t *testing.T) *http.Request
	}{
		{
			name: "address header only",
			build: func(t *testing.T) *http.Request {
				req := newRequest(t, http.MethodPost, path, nil, nil)
				req.Header.Set(WalletHeader, admin)
				return req
			},
		},
		{
			name: "signed by another wallet",
			build: func(t *testing.T) *http.Request {
				req := newRequest(t, http.MethodPost, path, nil, nil)
				signRequest(t, req, s.doctor, admin, now, nil)
				return req
			},
		},
		{
			name: "stale timestamp",
			build: func(t *testing.T) *http.Request {
				req := newRequest(t, http.MethodPost, path, nil, nil)
				signRequest(t, req, s.admin, admin, now-3600, nil)
				return req
			},
		},
		{
			name: "signed for another entity",
			build: func(t *testing.T) *http.Request {
				req := newRequest(t, http.MethodPost, path, nil, nil)
				signRequest(t, req, s.admin, admin, now, nil)
				req.URL.Path = "/api/v1/entities/other/verify"
				req.RequestURI = req.URL.RequestURI()
				return req
			},
		},
		{
			name: "malformed signature",
			build: func(t *testing.T) *http.Request {
				req := newRequest(t, http.MethodPost, path, nil, nil)
				signRequest(t, req, s.admin, admin, now, nil)
				req.Header.Set(identity.SignatureHeader, "0x1234")
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := s.chain.Height()
			require.NoError(t, err)

			code, out := s.serve(t, tt.build(t))
			assert.Equal(t, http.StatusForbidden, code, out)

			after, err := s.chain.Height()
			require.NoError(t, err)
			assert.Equal(t, before, after, "no transaction may be submitted")

			entity, err := s.store.Get(context.Background(), id)
			require.NoError(t, err)
			assert.False(t, entity.Verified)
		})
	}
}

func TestSignedRequestCannotBeReplayed(t *testing.T) {
	s := newTestServer(t)

	code, out := s.do(t, http.MethodPost, "/entities", nil, entityBody("hospital", "City Hospital", "ops@city.example", s.hospital))
	require.Equal(t, http.StatusCreated, code, out)
	id := out["id"].(string)

	req := newRequest(t, http.MethodPost, "/entities/"+id+"/verify", s.admin, nil)
	replay := newRequest(t, http.MethodPost, "/entities/"+id+"/verify", nil, nil)
	replay.Header = req.Header.Clone()

	code, out = s.serve(t, req)
	require.Equal(t, http.StatusOK, code, out)

	code, out = s.serve(t, replay)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "REQUEST_SIGNATURE_INVALID", out["error"].(map[string]interface{})["code"])
}

func TestSignedBodyCannotBeAltered(t *testing.T) {
	s := newTestServer(t)

	hospitalID := s.registerVerified(t, entityBody("hospital", "City Hospital", "ops@city.example", s.hospital))
	doctor := entityBody("doctor", "Dr. Rao", "rao@city.example", s.doctor)
	doctor["hospital_id"] = hospitalID
	s.registerVerified(t, doctor)

	_, out := s.do(t, http.MethodPost, "/patients", nil, map[string]interface{}{"name": "P1"})
	path := "/patients/" + out["id"].(string) + "/prescriptions"

	signed := newRequest(t, http.MethodPost, path, s.doctor,
		map[string]interface{}{"description": "flu", "doctor": "Dr. Rao", "medicines": []string{"Paracetamol"}})
	altered := newRequest(t, http.MethodPost, path, nil,
		map[string]interface{}{"description": "flu", "doctor": "Dr. Rao", "medicines": []string{"Oxycodone"}})
	altered.Header = signed.Header.Clone()

	code, out := s.serve(t, altered)
	assert.Equal(t, http.StatusForbidden, code, out)

	count, err := s.registry.PrescriptionCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}
