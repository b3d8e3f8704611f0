package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// Registry is the typed binding of the registry/prescription contract.
type Registry struct {
	client  Client
	logger  *logger.Logger
	metrics *monitoring.MetricsCollector
	tracing *monitoring.TracingManager
}

// NewRegistry wraps client. metrics and tracing may be nil.
func NewRegistry(client Client, log *logger.Logger, metrics *monitoring.MetricsCollector, tracing *monitoring.TracingManager) *Registry {
	return &Registry{client: client, logger: log, metrics: metrics, tracing: tracing}
}

// submit sends exactly one transaction. It never retries.
func (r *Registry) submit(ctx context.Context, method string, args []interface{}, signer Signer) (*Receipt, error) {
	if signer == nil {
		return nil, &TxError{Method: method, Err: ErrNoTransactor}
	}

	ctx, span := r.tracing.StartChainSpan(ctx, method, true)
	defer span.End()

	start := time.Now()
	receipt, err := r.client.Submit(ctx, method, args, signer)
	duration := time.Since(start)
	from := signer.Address().Hex()

	if err != nil {
		monitoring.RecordError(span, err)
		r.metrics.RecordChainTransaction(method, failureStatus(err), duration)
		r.logger.ChainTransaction(ctx, method, from, TxHashOf(err), false, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		return nil, err
	}

	r.metrics.RecordChainTransaction(method, "confirmed", duration)
	r.logger.ChainTransaction(ctx, method, from, receipt.TxHash, true, map[string]interface{}{
		"block":       receipt.BlockNumber,
		"duration_ms": duration.Milliseconds(),
	})
	return receipt, nil
}

func (r *Registry) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ctx, span := r.tracing.StartChainSpan(ctx, method, false)
	defer span.End()

	out, err := r.client.Call(ctx, method, args...)
	if err != nil {
		monitoring.RecordError(span, err)
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func failureStatus(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInsufficientGas):
		return "insufficient_gas"
	case errors.Is(err, ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "error"
	}
}

// Admin returns the contract admin address.
func (r *Registry) Admin(ctx context.Context) (common.Address, error) {
	out, err := r.call(ctx, MethodAdmin)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) != 1 {
		return common.Address{}, fmt.Errorf("admin: unexpected output length %d", len(out))
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("admin: unexpected output type %T", out[0])
	}
	return addr, nil
}

// RegisterFields binds wallet to an off-chain entity and role. Only the
// admin may send it.
func (r *Registry) RegisterFields(ctx context.Context, entity types.ChainEntity, admin Signer) (*Receipt, error) {
	if !common.IsHexAddress(entity.Wallet) {
		return nil, &TxError{Method: MethodRegisterFields, Err: fmt.Errorf("%w: wallet %q", ErrInvalidArgument, entity.Wallet)}
	}
	args := []interface{}{
		common.HexToAddress(entity.Wallet),
		entity.OffChainID,
		entity.Name,
		entity.VerificationDocRef,
		entity.Role.ChainValue(),
	}
	return r.submit(ctx, MethodRegisterFields, args, admin)
}

// GetEntity reads the chain registration of wallet. It returns
// (nil, nil) when the wallet is not registered.
func (r *Registry) GetEntity(ctx context.Context, wallet string) (*types.ChainEntity, error) {
	if !common.IsHexAddress(wallet) {
		return nil, fmt.Errorf("getEntity: invalid wallet %q", wallet)
	}
	out, err := r.call(ctx, MethodGetEntity, common.HexToAddress(wallet))
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("getEntity: unexpected output length %d", len(out))
	}

	registered, _ := out[4].(bool)
	if !registered {
		return nil, nil
	}

	offChainID, ok1 := out[0].(string)
	name, ok2 := out[1].(string)
	docRef, ok3 := out[2].(string)
	roleValue, ok4 := out[3].(uint8)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("getEntity: unexpected output types")
	}
	role, err := types.RoleFromChain(roleValue)
	if err != nil {
		return nil, fmt.Errorf("getEntity: %w", err)
	}

	return &types.ChainEntity{
		Wallet:             common.HexToAddress(wallet).Hex(),
		OffChainID:         offChainID,
		Name:               name,
		VerificationDocRef: docRef,
		Role:               role,
	}, nil
}

// CreatePrescription writes a prescription and returns the id assigned by
// the contract, read from the PrescriptionCreated event.
func (r *Registry) CreatePrescription(ctx context.Context, patientID string, content types.PrescriptionContent, issuer Signer) (uint64, *Receipt, error) {
	args := []interface{}{
		patientID,
		content.Description,
		uint8(content.Dept),
		content.DoctorLabel,
		nonNil(content.Medicines),
		nonNil(content.DocumentRefs),
		nonNil(content.Allergies),
	}
	receipt, err := r.submit(ctx, MethodCreatePrescription, args, issuer)
	if err != nil {
		return 0, nil, err
	}
	id, err := PrescriptionIDFromReceipt(receipt)
	if err != nil {
		return 0, receipt, err
	}
	return id, receipt, nil
}

// PrescriptionIDFromReceipt extracts the id from a createPrescription receipt.
func PrescriptionIDFromReceipt(receipt *Receipt) (uint64, error) {
	ev, ok := receipt.FindEvent(EventPrescriptionCreated)
	if !ok {
		return 0, fmt.Errorf("receipt %s has no %s event", receipt.TxHash, EventPrescriptionCreated)
	}
	id, ok := ev.Fields["prescriptionId"].(*big.Int)
	if !ok || id == nil || !id.IsUint64() {
		return 0, fmt.Errorf("receipt %s: malformed prescriptionId", receipt.TxHash)
	}
	return id.Uint64(), nil
}

// GetPrescription reads prescription id. A missing id returns ErrNotFound.
func (r *Registry) GetPrescription(ctx context.Context, id uint64) (*types.Prescription, error) {
	out, err := r.call(ctx, MethodGetPrescription, new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	return decodePrescription(out)
}

func decodePrescription(out []interface{}) (*types.Prescription, error) {
	if len(out) != 9 {
		return nil, fmt.Errorf("getPrescription: unexpected output length %d", len(out))
	}
	id, ok1 := out[0].(*big.Int)
	patientID, ok2 := out[1].(string)
	ts, ok3 := out[2].(*big.Int)
	description, ok4 := out[3].(string)
	dept, ok5 := out[4].(uint8)
	medicines, ok6 := out[5].([]string)
	documents, ok7 := out[6].([]string)
	allergies, ok8 := out[7].([]string)
	fulfilled, ok9 := out[8].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9) {
		return nil, fmt.Errorf("getPrescription: unexpected output types")
	}

	return &types.Prescription{
		ID:           id.Uint64(),
		PatientID:    patientID,
		Timestamp:    time.Unix(ts.Int64(), 0).UTC(),
		Description:  description,
		Dept:         types.Department(dept),
		Medicines:    medicines,
		DocumentRefs: documents,
		Allergies:    allergies,
		Fulfilled:    fulfilled,
	}, nil
}

// FulfillPrescription marks id fulfilled. The contract rejects non-pharmacy
// senders with ErrUnauthorized and repeats with ErrAlreadyFulfilled.
func (r *Registry) FulfillPrescription(ctx context.Context, id uint64, pharmacy Signer) (*Receipt, error) {
	return r.submit(ctx, MethodFulfillPrescription, []interface{}{new(big.Int).SetUint64(id)}, pharmacy)
}

// PrescriptionCount returns the highest prescription id issued so far.
func (r *Registry) PrescriptionCount(ctx context.Context) (uint64, error) {
	out, err := r.call(ctx, MethodPrescriptionCount)
	if err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("prescriptionCount: unexpected output length %d", len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok || n == nil {
		return 0, fmt.Errorf("prescriptionCount: unexpected output type %T", out[0])
	}
	return n.Uint64(), nil
}

// Confirm looks up a previously submitted transaction.
func (r *Registry) Confirm(ctx context.Context, txHash string) (*Receipt, error) {
	return r.client.Confirm(ctx, txHash)
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
