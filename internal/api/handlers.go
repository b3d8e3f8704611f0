// Package api exposes the registrar and the prescription coordinator over
// HTTP. Chain-mutating routes must carry a signature by the wallet named in
// X-Wallet-Address over the request; they then sign with the key the server
// holds for that wallet and hold its signer lock for the whole call.
package api

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/aalan294/PEC-MediPlus/internal/identity"
	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/internal/prescription"
	"github.com/aalan294/PEC-MediPlus/internal/registrar"
	"github.com/aalan294/PEC-MediPlus/internal/signerlock"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// WalletHeader names the wallet whose key signs a chain-mutating request.
const WalletHeader = "X-Wallet-Address"

const maxSignedBody = 1 << 20

// Registrar is the entity surface served by the API.
type Registrar interface {
	Request(ctx context.Context, req registrar.RegistrationRequest) (*types.Entity, error)
	Verify(ctx context.Context, entityID string, admin ledger.Signer) (*types.Entity, error)
	Promote(ctx context.Context, entityID string) (*types.Entity, error)
	Get(ctx context.Context, entityID string) (*types.Entity, error)
	List(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error)
}

// Prescriptions is the patient and prescription surface served by the API.
type Prescriptions interface {
	CreatePatient(ctx context.Context, p *types.Patient) (*types.Patient, error)
	GetPatient(ctx context.Context, id string) (*types.Patient, error)
	ListPatients(ctx context.Context, filter types.PatientFilter) ([]*types.Patient, error)
	Create(ctx context.Context, patientID string, content types.PrescriptionContent, issuer ledger.Signer) (*prescription.Created, error)
	PatientHistory(ctx context.Context, patientID string) ([]types.PatientPrescription, error)
	Get(ctx context.Context, id uint64) (*types.Prescription, error)
	Fulfill(ctx context.Context, id uint64, pharmacy ledger.Signer) (*prescription.Fulfillment, error)
}

// Signers resolves a wallet address to a signer.
type Signers interface {
	Lookup(address string) (ledger.Signer, error)
}

// Authenticator checks that a request was signed by the wallet it names.
type Authenticator interface {
	Authenticate(ctx context.Context, req identity.SignedRequest) error
}

// Handlers handles HTTP requests
type Handlers struct {
	registrar     Registrar
	prescriptions Prescriptions
	signers       Signers
	auth          Authenticator
	locker        signerlock.Locker
	validate      *validator.Validate
	logger        *logger.Logger
}

// NewHandlers creates new HTTP handlers
func NewHandlers(reg Registrar, rx Prescriptions, signers Signers, auth Authenticator, locker signerlock.Locker, log *logger.Logger) *Handlers {
	return &Handlers{
		registrar:     reg,
		prescriptions: rx,
		signers:       signers,
		auth:          auth,
		locker:        locker,
		validate:      newValidator(),
		logger:        log,
	}
}

// RegisterRoutes registers HTTP routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	// Entity routes
	router.HandleFunc("/entities", h.RequestEntity).Methods(http.MethodPost)
	router.HandleFunc("/entities", h.ListEntities).Methods(http.MethodGet)
	router.HandleFunc("/entities/{entityID}", h.GetEntity).Methods(http.MethodGet)
	router.HandleFunc("/entities/{entityID}/verify", h.VerifyEntity).Methods(http.MethodPost)
	router.HandleFunc("/entities/{entityID}/promote", h.PromoteEntity).Methods(http.MethodPost)

	// Patient routes
	router.HandleFunc("/patients", h.CreatePatient).Methods(http.MethodPost)
	router.HandleFunc("/patients", h.ListPatients).Methods(http.MethodGet)
	router.HandleFunc("/patients/{patientID}", h.GetPatient).Methods(http.MethodGet)
	router.HandleFunc("/patients/{patientID}/prescriptions", h.CreatePrescription).Methods(http.MethodPost)
	router.HandleFunc("/patients/{patientID}/prescriptions", h.PatientHistory).Methods(http.MethodGet)

	// Prescription routes
	router.HandleFunc("/prescriptions/{prescriptionID}", h.GetPrescription).Methods(http.MethodGet)
	router.HandleFunc("/prescriptions/{prescriptionID}/fulfill", h.FulfillPrescription).Methods(http.MethodPost)
}

// NewRouter builds the service router with the API mounted under /api/v1.
func NewRouter(h *Handlers, mw *monitoring.MonitoringMiddleware) *mux.Router {
	router := mux.NewRouter()
	router.Use(mw.HTTPMiddleware)
	h.RegisterRoutes(router.PathPrefix("/api/v1").Subrouter())
	return router
}

// withSigner authenticates the request's wallet, resolves its signer and
// holds its lock while fn runs. The body stays readable for fn.
func (h *Handlers) withSigner(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, signer ledger.Signer)) {
	address := r.Header.Get(WalletHeader)
	if address == "" {
		h.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeInvalidInput, WalletHeader+" header is required", nil))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		h.writeError(w, r, types.NewValidationError(types.ErrCodeInvalidInput, "failed to read request body", nil))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if err := h.auth.Authenticate(r.Context(), identity.SignedRequest{
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Wallet:    address,
		Timestamp: r.Header.Get(identity.TimestampHeader),
		Signature: r.Header.Get(identity.SignatureHeader),
		Body:      body,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	signer, err := h.signers.Lookup(address)
	if err != nil {
		h.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeInvalidInput, "no signing key for "+address, err))
		return
	}

	ctx := context.WithValue(r.Context(), logger.SignerKey, signer.Address().Hex())
	unlock, err := h.locker.Lock(ctx, signer.Address().Hex())
	if err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody(types.NewInternalError(types.ErrCodeInternalError,
			"signer is busy", err)))
		return
	}
	defer unlock()

	fn(ctx, signer)
}
