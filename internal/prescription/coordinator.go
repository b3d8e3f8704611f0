// Package prescription coordinates prescriptions across the ledger, which
// owns their content and fulfillment state, and the patient history kept in
// the record store.
package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/internal/store"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

const (
	sagaCreate  = "create_prescription"
	sagaFulfill = "fulfill_prescription"

	// ReconciledDoctorLabel marks history records rebuilt from the ledger,
	// which does not return the doctor label on reads.
	ReconciledDoctorLabel = "unknown (reconciled)"
)

// Chain is the ledger surface used by the coordinator.
type Chain interface {
	CreatePrescription(ctx context.Context, patientID string, content types.PrescriptionContent, issuer ledger.Signer) (uint64, *ledger.Receipt, error)
	GetPrescription(ctx context.Context, id uint64) (*types.Prescription, error)
	FulfillPrescription(ctx context.Context, id uint64, pharmacy ledger.Signer) (*ledger.Receipt, error)
	PrescriptionCount(ctx context.Context) (uint64, error)
	Confirm(ctx context.Context, txHash string) (*ledger.Receipt, error)
}

// Options tunes the coordinator.
type Options struct {
	// SubmitTimeout bounds the wait for each transaction confirmation.
	SubmitTimeout time.Duration
	// StoreRetry bounds the history append that follows a confirmed create.
	StoreRetry store.RetryPolicy
}

// Coordinator implements prescription creation and fulfillment
type Coordinator struct {
	patients store.PatientStore
	chain    Chain
	logger   *logger.Logger
	metrics  *monitoring.MetricsCollector
	tracing  *monitoring.TracingManager
	opts     Options
	now      func() time.Time
}

// NewCoordinator creates a new coordinator. metrics and tracing may be nil.
func NewCoordinator(
	patients store.PatientStore,
	chain Chain,
	log *logger.Logger,
	metrics *monitoring.MetricsCollector,
	tracing *monitoring.TracingManager,
	opts Options,
) *Coordinator {
	return &Coordinator{
		patients: patients,
		chain:    chain,
		logger:   log,
		metrics:  metrics,
		tracing:  tracing,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Created is the result of a successful Create.
type Created struct {
	PrescriptionID uint64              `json:"prescription_id"`
	TxHash         string              `json:"tx_hash"`
	History        types.HistoryRecord `json:"history"`
}

// Fulfillment is the result of a successful Fulfill.
type Fulfillment struct {
	PrescriptionID uint64 `json:"prescription_id"`
	TxHash         string `json:"tx_hash"`
}

// Create writes a prescription to the ledger and then appends it to the
// patient's history. Nothing reaches the store unless the ledger confirmed.
func (c *Coordinator) Create(ctx context.Context, patientID string, content types.PrescriptionContent, issuer ledger.Signer) (*Created, error) {
	ctx, span := c.tracing.StartSagaSpan(ctx, sagaCreate, attribute.String("patient.id", patientID))
	defer span.End()

	content.Normalize()
	if err := validateContent(patientID, content, issuer); err != nil {
		return nil, c.finish(ctx, span, sagaCreate, "validate", err)
	}
	if _, err := c.loadPatient(ctx, patientID); err != nil {
		return nil, c.finish(ctx, span, sagaCreate, "load_patient", err)
	}

	id, txHash, err := c.submitCreate(ctx, patientID, content, issuer)
	if err != nil {
		return nil, c.finish(ctx, span, sagaCreate, "create_prescription", err)
	}
	span.SetAttributes(attribute.Int64("prescription.id", int64(id)))

	record := types.HistoryRecord{
		PrescriptionID: id,
		Date:           c.now(),
		Doctor:         content.DoctorLabel,
		Dept:           content.Dept,
	}
	if err := c.appendHistory(ctx, patientID, record); err != nil {
		return nil, c.finish(ctx, span, sagaCreate, "append_history",
			types.NewPartialSuccessError("append_history", map[string]interface{}{
				"patient_id":      patientID,
				"prescription_id": id,
				"tx_hash":         txHash,
			}, err))
	}

	c.logger.Audit(issuer.Address().Hex(), "create_prescription", fmt.Sprintf("prescription:%d", id), true, map[string]interface{}{
		"patient_id": patientID,
		"dept":       content.Dept,
		"tx_hash":    txHash,
	})
	c.finish(ctx, span, sagaCreate, "append_history", nil)
	return &Created{PrescriptionID: id, TxHash: txHash, History: record}, nil
}

func validateContent(patientID string, content types.PrescriptionContent, issuer ledger.Signer) error {
	details := map[string]interface{}{}
	if strings.TrimSpace(patientID) == "" {
		details["patient_id"] = "required"
	}
	if content.Description == "" {
		details["description"] = "required"
	}
	if len(content.Medicines) == 0 {
		details["medicines"] = "at least one medicine is required"
	}
	if issuer == nil {
		details["signer"] = "required"
	}
	if len(details) > 0 {
		return types.NewValidationError(types.ErrCodeInvalidInput, "invalid prescription", details)
	}
	return nil
}

// submitCreate sends createPrescription. A timed-out submit is confirmed by
// hash before it is reported as failed.
func (c *Coordinator) submitCreate(ctx context.Context, patientID string, content types.PrescriptionContent, issuer ledger.Signer) (uint64, string, error) {
	submitCtx, cancel := c.submitContext(ctx)
	defer cancel()

	id, receipt, err := c.chain.CreatePrescription(submitCtx, patientID, content, issuer)
	if err == nil {
		return id, receipt.TxHash, nil
	}
	if receipt != nil {
		// Mined, but the id could not be read back; the rebuild will find it.
		return 0, "", types.NewPartialSuccessError("append_history", map[string]interface{}{
			"patient_id": patientID,
			"tx_hash":    receipt.TxHash,
		}, err)
	}

	txHash := ledger.TxHashOf(err)
	switch {
	case errors.Is(err, ledger.ErrTimeout) && txHash != "":
		confirmed, confirmErr := c.chain.Confirm(ctx, txHash)
		if confirmErr == nil {
			id, idErr := ledger.PrescriptionIDFromReceipt(confirmed)
			if idErr != nil {
				return 0, "", types.NewPartialSuccessError("append_history", map[string]interface{}{
					"patient_id": patientID,
					"tx_hash":    txHash,
				}, idErr)
			}
			return id, txHash, nil
		}
		if !definitelyNotMined(confirmErr) {
			return 0, "", types.NewOutcomeUnknownError(ledger.MethodCreatePrescription, txHash, confirmErr)
		}
		c.logger.WithContext(ctx).WithError(confirmErr).WithField("tx_hash", txHash).
			Warn("Timed-out createPrescription not confirmed")
	case errors.Is(err, ledger.ErrUnauthorized):
		return 0, "", types.NewUnauthorizedError(types.ErrCodeRoleMismatch,
			"signer's on-chain role may not issue prescriptions", err)
	}

	return 0, "", types.NewChainWriteFailedError(ledger.MethodCreatePrescription, err).WithDetail("tx_hash", txHash)
}

func (c *Coordinator) appendHistory(ctx context.Context, patientID string, record types.HistoryRecord) error {
	policy := c.opts.StoreRetry
	policy.OnRetry = func(attempt int, err error) {
		c.metrics.RecordStoreRetry("append_history")
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"attempt":         attempt,
			"patient_id":      patientID,
			"prescription_id": record.PrescriptionID,
		}).Warn("Retrying history append")
	}
	return policy.Retry(ctx, func(ctx context.Context) error {
		return c.patients.AppendHistory(ctx, patientID, record)
	})
}

// Fulfill marks a prescription fulfilled on the ledger. The ledger enforces
// the pharmacy role; there is no off-chain fulfillment mirror.
func (c *Coordinator) Fulfill(ctx context.Context, id uint64, pharmacy ledger.Signer) (*Fulfillment, error) {
	ctx, span := c.tracing.StartSagaSpan(ctx, sagaFulfill, attribute.Int64("prescription.id", int64(id)))
	defer span.End()

	if pharmacy == nil {
		return nil, c.finish(ctx, span, sagaFulfill, "validate",
			types.NewValidationError(types.ErrCodeInvalidInput, "a pharmacy signer is required", nil))
	}

	current, err := c.Get(ctx, id)
	if err != nil {
		return nil, c.finish(ctx, span, sagaFulfill, "get_prescription", err)
	}
	if current.Fulfilled {
		return nil, c.finish(ctx, span, sagaFulfill, "get_prescription", types.NewAlreadyFulfilledError(id))
	}

	txHash, err := c.submitFulfill(ctx, id, pharmacy)
	if err != nil {
		return nil, c.finish(ctx, span, sagaFulfill, "fulfill_prescription", err)
	}

	c.logger.Audit(pharmacy.Address().Hex(), "fulfill_prescription", fmt.Sprintf("prescription:%d", id), true, map[string]interface{}{
		"tx_hash": txHash,
	})
	c.finish(ctx, span, sagaFulfill, "fulfill_prescription", nil)
	return &Fulfillment{PrescriptionID: id, TxHash: txHash}, nil
}

func (c *Coordinator) submitFulfill(ctx context.Context, id uint64, pharmacy ledger.Signer) (string, error) {
	submitCtx, cancel := c.submitContext(ctx)
	defer cancel()

	receipt, err := c.chain.FulfillPrescription(submitCtx, id, pharmacy)
	if err == nil {
		return receipt.TxHash, nil
	}

	txHash := ledger.TxHashOf(err)
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return "", types.NewUnauthorizedError(types.ErrCodeRoleMismatch, "only a pharmacy may fulfill prescriptions", err)
	case errors.Is(err, ledger.ErrAlreadyFulfilled):
		return "", types.NewAlreadyFulfilledError(id)
	case errors.Is(err, ledger.ErrNotFound):
		return "", prescriptionNotFound(id)
	case errors.Is(err, ledger.ErrTimeout):
		current, readErr := c.chain.GetPrescription(ctx, id)
		if readErr != nil {
			return "", types.NewOutcomeUnknownError(ledger.MethodFulfillPrescription, txHash, readErr)
		}
		if current.Fulfilled {
			return txHash, nil
		}
	}

	return "", types.NewChainWriteFailedError(ledger.MethodFulfillPrescription, err).WithDetail("tx_hash", txHash)
}

// definitelyNotMined reports whether a Confirm error settles the
// transaction as failed: still pending after the timeout, or mined and
// reverted. Any other error leaves the outcome unknown.
func definitelyNotMined(err error) bool {
	var txErr *ledger.TxError
	return errors.Is(err, ledger.ErrPending) || errors.As(err, &txErr)
}

func (c *Coordinator) submitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.SubmitTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.SubmitTimeout)
	}
	return context.WithCancel(ctx)
}

// Get reads a prescription from the ledger.
func (c *Coordinator) Get(ctx context.Context, id uint64) (*types.Prescription, error) {
	p, err := c.chain.GetPrescription(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, prescriptionNotFound(id)
	}
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeChainReadFailed, "failed to read prescription", err)
	}
	return p, nil
}

// PatientHistory returns the patient's history joined with the live ledger
// state of each prescription. A failed ledger read is reported per record.
func (c *Coordinator) PatientHistory(ctx context.Context, patientID string) ([]types.PatientPrescription, error) {
	patient, err := c.loadPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}

	out := make([]types.PatientPrescription, 0, len(patient.History))
	for _, h := range patient.History {
		entry := types.PatientPrescription{HistoryRecord: h}
		p, err := c.Get(ctx, h.PrescriptionID)
		if err != nil {
			entry.ChainError = err.Error()
		} else {
			entry.Prescription = p
		}
		out = append(out, entry)
	}
	return out, nil
}

func prescriptionNotFound(id uint64) error {
	return types.NewNotFoundError(types.ErrCodePrescriptionNotFound, fmt.Sprintf("prescription %d not found", id))
}
