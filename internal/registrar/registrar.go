// Package registrar registers role-bearing entities in the record store and
// promotes them to verified once the registry contract holds their record.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"github.com/aalan294/PEC-MediPlus/internal/identity"
	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/internal/store"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

const sagaVerify = "verify_entity"

// Chain is the ledger surface the registrar writes to and reads from.
type Chain interface {
	RegisterFields(ctx context.Context, entity types.ChainEntity, admin ledger.Signer) (*ledger.Receipt, error)
	GetEntity(ctx context.Context, wallet string) (*types.ChainEntity, error)
}

// Authorizer gates verification on the contract admin.
type Authorizer interface {
	AuthorizeAdmin(ctx context.Context, signer ledger.Signer) error
}

// Options tunes the registrar.
type Options struct {
	// SubmitTimeout bounds the wait for a registerFields confirmation.
	SubmitTimeout time.Duration
	// StoreRetry bounds the store patch that follows a confirmed chain write.
	StoreRetry store.RetryPolicy
	// RequireWalletProof rejects registrations without a wallet signature.
	RequireWalletProof bool
}

// Registrar implements entity registration and verification
type Registrar struct {
	store   store.EntityStore
	chain   Chain
	auth    Authorizer
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
	opts    Options
	now     func() time.Time
}

// NewRegistrar creates a new registrar. metrics and tracing may be nil.
func NewRegistrar(
	entities store.EntityStore,
	chain Chain,
	auth Authorizer,
	log *logger.Logger,
	metrics *monitoring.MetricsCollector,
	tracing *monitoring.TracingManager,
	opts Options,
) *Registrar {
	return &Registrar{
		store:   entities,
		chain:   chain,
		auth:    auth,
		logger:  log,
		metrics: metrics,
		tracing: tracing,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegistrationRequest is a request to register an entity
type RegistrationRequest struct {
	Role               types.Role
	Name               string
	Owner              string
	Email              string
	Phone              string
	Address            string
	Wallet             string
	VerificationDocRef string
	HospitalID         string
	Dept               string
	Password           string
	// WalletSignature is an EIP-191 signature of identity.RegistrationChallenge.
	WalletSignature string
}

// Request stores a new, unverified entity. Nothing is written to the ledger.
func (r *Registrar) Request(ctx context.Context, req RegistrationRequest) (*types.Entity, error) {
	if err := r.validateRequest(ctx, &req); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to hash password", err)
	}

	entity := &types.Entity{
		Role:               req.Role,
		Name:               req.Name,
		Owner:              req.Owner,
		Email:              req.Email,
		Phone:              req.Phone,
		Address:            req.Address,
		Wallet:             req.Wallet,
		VerificationDocRef: req.VerificationDocRef,
		HospitalID:         req.HospitalID,
		Dept:               req.Dept,
		PasswordHash:       string(hash),
		Verified:           false,
	}

	created, err := r.store.Create(ctx, entity)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, types.NewConflictError(types.ErrCodeDuplicateEntity,
				fmt.Sprintf("a %s with this email or wallet is already registered", req.Role))
		}
		return nil, types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to store entity", err)
	}

	r.logger.Audit(created.Wallet, "request_registration", "entity:"+created.ID, true, map[string]interface{}{
		"role": created.Role.String(),
	})
	return created, nil
}

func (r *Registrar) validateRequest(ctx context.Context, req *RegistrationRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.VerificationDocRef = strings.TrimSpace(req.VerificationDocRef)

	details := map[string]interface{}{}
	if !req.Role.Valid() {
		details["role"] = "unknown role"
	}
	if req.Name == "" {
		details["name"] = "required"
	}
	if req.Email == "" {
		details["email"] = "required"
	}
	if !common.IsHexAddress(req.Wallet) {
		details["wallet"] = "must be a 20-byte hex address"
	}
	if req.VerificationDocRef == "" {
		details["verification_doc_ref"] = "required"
	}
	if len(req.Password) < 8 {
		details["password"] = "must be at least 8 characters"
	}
	if req.Role.RequiresHospital() && req.HospitalID == "" {
		details["hospital_id"] = "required for " + req.Role.String()
	}
	if len(details) > 0 {
		return types.NewValidationError(types.ErrCodeInvalidInput, "invalid registration request", details)
	}

	// Wallets are stored in checksum form so store and chain compare equal.
	req.Wallet = common.HexToAddress(req.Wallet).Hex()

	if r.opts.RequireWalletProof {
		challenge := identity.RegistrationChallenge(req.Wallet, req.Role, req.Email)
		if err := identity.VerifyWalletProof(req.Wallet, challenge, req.WalletSignature); err != nil {
			return err
		}
	}

	if req.Role.RequiresHospital() {
		hospital, err := r.store.Get(ctx, req.HospitalID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && hospital.Role != types.RoleHospital) {
			return types.NewNotFoundError(types.ErrCodeHospitalNotFound, "hospital "+req.HospitalID+" not found")
		}
		if err != nil {
			return types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to load hospital", err)
		}
		if !hospital.Verified {
			return types.NewValidationError(types.ErrCodeInvalidInput, "hospital is not verified",
				map[string]interface{}{"hospital_id": req.HospitalID})
		}
	} else {
		req.HospitalID = ""
	}

	bound, err := r.store.Query(ctx, types.EntityFilter{Wallet: req.Wallet, Limit: 1})
	if err != nil {
		return types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to check wallet", err)
	}
	if len(bound) > 0 {
		return types.NewConflictError(types.ErrCodeWalletAlreadyBound, "wallet "+req.Wallet+" is already registered")
	}
	return nil
}

// Verify promotes entityID from requested to verified. The chain record is
// written first; the store flag follows only once the chain confirms.
//
// A repeated call on a verified entity returns an AlreadyVerified error and
// submits nothing. A call that finds the chain record already present (an
// earlier attempt whose store write failed) resumes at the store write.
func (r *Registrar) Verify(ctx context.Context, entityID string, admin ledger.Signer) (*types.Entity, error) {
	ctx, span := r.tracing.StartSagaSpan(ctx, sagaVerify, attribute.String("entity.id", entityID))
	defer span.End()

	entity, err := r.load(ctx, entityID)
	if err != nil {
		return nil, r.finish(ctx, span, "load", err)
	}
	if entity.Verified {
		return nil, r.finish(ctx, span, "load", types.NewAlreadyVerifiedError(entityID))
	}

	if err := r.auth.AuthorizeAdmin(ctx, admin); err != nil {
		return nil, r.finish(ctx, span, "authorize", err)
	}

	txHash, err := r.ensureChainRecord(ctx, entity, admin)
	if err != nil {
		return nil, r.finish(ctx, span, "register_fields", err)
	}

	updated, err := r.promote(ctx, entity, txHash)
	if err != nil {
		return nil, r.finish(ctx, span, "patch_verified", err)
	}

	r.logger.Audit(admin.Address().Hex(), "verify_entity", "entity:"+entityID, true, map[string]interface{}{
		"role":    entity.Role.String(),
		"wallet":  entity.Wallet,
		"tx_hash": txHash,
	})
	r.finish(ctx, span, "patch_verified", nil)
	return updated, nil
}

// Promote retries the store half of Verify alone. It requires the chain
// record to exist and be bound to entityID.
func (r *Registrar) Promote(ctx context.Context, entityID string) (*types.Entity, error) {
	entity, err := r.load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if entity.Verified {
		return nil, types.NewAlreadyVerifiedError(entityID)
	}

	record, err := r.chain.GetEntity(ctx, entity.Wallet)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeChainReadFailed, "failed to read chain entity", err)
	}
	if err := matchChainRecord(entity, record); err != nil {
		return nil, err
	}

	updated, err := r.promote(ctx, entity, "")
	r.metrics.RecordSagaOutcome(sagaVerify, outcomeOf(err, "promoted"))
	return updated, err
}

// ReconcileReport summarizes a reconciliation pass.
type ReconcileReport struct {
	Scanned  int               `json:"scanned"`
	Promoted []string          `json:"promoted"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// ReconcileEntities promotes every unverified entity whose chain record
// already exists.
func (r *Registrar) ReconcileEntities(ctx context.Context) (*ReconcileReport, error) {
	unverified := false
	pending, err := r.store.Query(ctx, types.EntityFilter{Verified: &unverified})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to list unverified entities", err)
	}

	report := &ReconcileReport{Scanned: len(pending), Promoted: []string{}, Failed: map[string]string{}}
	for _, entity := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		record, err := r.chain.GetEntity(ctx, entity.Wallet)
		if err != nil {
			report.Failed[entity.ID] = err.Error()
			continue
		}
		if record == nil || record.OffChainID != entity.ID {
			continue
		}

		if _, err := r.promote(ctx, entity, ""); err != nil {
			report.Failed[entity.ID] = err.Error()
			continue
		}
		report.Promoted = append(report.Promoted, entity.ID)
	}

	r.logger.WithComponent("registrar").WithFields(map[string]interface{}{
		"scanned":  report.Scanned,
		"promoted": len(report.Promoted),
		"failed":   len(report.Failed),
	}).Info("Entity reconciliation completed")
	return report, nil
}

// Get returns one entity.
func (r *Registrar) Get(ctx context.Context, entityID string) (*types.Entity, error) {
	return r.load(ctx, entityID)
}

// List returns the entities matching filter.
func (r *Registrar) List(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	entities, err := r.store.Query(ctx, filter)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to query entities", err)
	}
	return entities, nil
}

func (r *Registrar) load(ctx context.Context, entityID string) (*types.Entity, error) {
	entity, err := r.store.Get(ctx, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewNotFoundError(types.ErrCodeEntityNotFound, "entity "+entityID+" not found")
	}
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to load entity", err)
	}
	return entity, nil
}

// ensureChainRecord makes sure the registry binds the entity's wallet to its
// id, submitting registerFields only when no record exists yet. It returns
// the transaction hash when one was sent.
func (r *Registrar) ensureChainRecord(ctx context.Context, entity *types.Entity, admin ledger.Signer) (string, error) {
	existing, err := r.chain.GetEntity(ctx, entity.Wallet)
	if err != nil {
		return "", types.NewInternalError(types.ErrCodeChainReadFailed, "failed to read chain entity", err)
	}
	if existing != nil {
		if err := matchChainRecord(entity, existing); err != nil {
			return "", err
		}
		r.logger.Saga(ctx, sagaVerify, "register_fields", "noop", map[string]interface{}{
			"entity_id": entity.ID,
			"reason":    "chain record already present",
		})
		return "", nil
	}

	submitCtx := ctx
	if r.opts.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, r.opts.SubmitTimeout)
		defer cancel()
	}

	receipt, err := r.chain.RegisterFields(submitCtx, types.ChainEntity{
		Wallet:             entity.Wallet,
		OffChainID:         entity.ID,
		Name:               entity.Name,
		VerificationDocRef: entity.VerificationDocRef,
		Role:               entity.Role,
	}, admin)
	if err == nil {
		return receipt.TxHash, nil
	}

	txHash := ledger.TxHashOf(err)
	switch {
	case errors.Is(err, ledger.ErrTimeout), errors.Is(err, ledger.ErrAlreadyRegistered):
		// The write may have landed; only the chain can say.
		record, readErr := r.chain.GetEntity(ctx, entity.Wallet)
		if readErr != nil {
			return "", types.NewOutcomeUnknownError(ledger.MethodRegisterFields, txHash, readErr)
		}
		if record != nil {
			if mismatch := matchChainRecord(entity, record); mismatch != nil {
				return "", mismatch
			}
			return txHash, nil
		}
	case errors.Is(err, ledger.ErrUnauthorized):
		return "", types.NewUnauthorizedError(types.ErrCodeNotAdmin, "registry rejected the admin signer", err)
	}

	return "", types.NewChainWriteFailedError(ledger.MethodRegisterFields, err).WithDetail("tx_hash", txHash)
}

func matchChainRecord(entity *types.Entity, record *types.ChainEntity) error {
	if record == nil {
		return types.NewNotFoundError(types.ErrCodeChainRecordMissing,
			"no chain record for wallet "+entity.Wallet)
	}
	if record.OffChainID != entity.ID || record.Role != entity.Role {
		return types.NewConflictError(types.ErrCodeWalletAlreadyBound,
			fmt.Sprintf("wallet %s is bound on-chain to %s (%s)", entity.Wallet, record.OffChainID, record.Role))
	}
	return nil
}

// promote writes verified=true with bounded retries. Exhaustion is a
// partial success: the chain record exists, the store flag does not.
func (r *Registrar) promote(ctx context.Context, entity *types.Entity, txHash string) (*types.Entity, error) {
	verified := true
	now := r.now()
	patch := types.EntityPatch{Verified: &verified, VerifiedAt: &now}
	if txHash != "" {
		patch.ChainTxHash = &txHash
	}

	policy := r.opts.StoreRetry
	policy.OnRetry = func(attempt int, err error) {
		r.metrics.RecordStoreRetry("patch_entity")
		r.logger.WithContext(ctx).WithError(err).WithField("attempt", attempt).Warn("Retrying entity patch")
	}

	var updated *types.Entity
	err := policy.Retry(ctx, func(ctx context.Context) error {
		var err error
		updated, err = r.store.Patch(ctx, entity.ID, patch)
		return err
	})
	if err != nil {
		return nil, types.NewPartialSuccessError("patch_verified", map[string]interface{}{
			"entity_id": entity.ID,
			"tx_hash":   txHash,
		}, err)
	}
	return updated, nil
}
