package types

import (
	"errors"
	"fmt"
)

// ErrorType represents the coordination error taxonomy
type ErrorType string

const (
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeUnauthorized     ErrorType = "unauthorized"
	ErrorTypeAlreadyVerified  ErrorType = "already_verified"
	ErrorTypeAlreadyFulfilled ErrorType = "already_fulfilled"
	ErrorTypeChainWriteFailed ErrorType = "chain_write_failed"
	ErrorTypeOutcomeUnknown   ErrorType = "chain_outcome_unknown"
	ErrorTypePartialSuccess   ErrorType = "partial_success"
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeInternal         ErrorType = "internal"
)

// Error is the structured error returned by every coordinator operation.
// Two errors are equal under errors.Is when their types match, so callers can
// test against the sentinels below.
type Error struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on error type
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// IsIdempotentNoop reports whether the error only says the requested state already holds.
func (e *Error) IsIdempotentNoop() bool {
	return e.Type == ErrorTypeAlreadyVerified || e.Type == ErrorTypeAlreadyFulfilled
}

// WithDetail sets a detail field and returns e.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound         = &Error{Type: ErrorTypeNotFound}
	ErrUnauthorized     = &Error{Type: ErrorTypeUnauthorized}
	ErrAlreadyVerified  = &Error{Type: ErrorTypeAlreadyVerified}
	ErrAlreadyFulfilled = &Error{Type: ErrorTypeAlreadyFulfilled}
	ErrChainWriteFailed = &Error{Type: ErrorTypeChainWriteFailed}
	ErrOutcomeUnknown   = &Error{Type: ErrorTypeOutcomeUnknown}
	ErrPartialSuccess   = &Error{Type: ErrorTypePartialSuccess}
	ErrValidation       = &Error{Type: ErrorTypeValidation}
	ErrConflict         = &Error{Type: ErrorTypeConflict}
	ErrInternal         = &Error{Type: ErrorTypeInternal}
)

// AsError extracts the structured error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// TypeOf returns the taxonomy type of err, or internal for foreign errors.
func TypeOf(err error) ErrorType {
	if e, ok := AsError(err); ok {
		return e.Type
	}
	return ErrorTypeInternal
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *Error {
	return &Error{Type: ErrorTypeNotFound, Code: code, Message: message}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeUnauthorized, Code: code, Message: message, Cause: cause}
}

// NewAlreadyVerifiedError reports that an entity has already been promoted
func NewAlreadyVerifiedError(entityID string) *Error {
	return &Error{
		Type:    ErrorTypeAlreadyVerified,
		Code:    ErrCodeAlreadyVerified,
		Message: "entity is already verified",
		Details: map[string]interface{}{"entity_id": entityID},
	}
}

// NewAlreadyFulfilledError reports that a prescription has already been fulfilled
func NewAlreadyFulfilledError(prescriptionID uint64) *Error {
	return &Error{
		Type:    ErrorTypeAlreadyFulfilled,
		Code:    ErrCodeAlreadyFulfilled,
		Message: "prescription is already fulfilled",
		Details: map[string]interface{}{"prescription_id": prescriptionID},
	}
}

// NewChainWriteFailedError creates a chain write failure; the store was not touched
func NewChainWriteFailedError(method string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeChainWriteFailed,
		Code:    ErrCodeChainWriteFailed,
		Message: fmt.Sprintf("chain transaction %s failed", method),
		Details: map[string]interface{}{"method": method},
		Cause:   cause,
	}
}

// NewOutcomeUnknownError reports a submitted transaction whose fate could
// not be read back. It must be reconciled, not resubmitted.
func NewOutcomeUnknownError(method, txHash string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeOutcomeUnknown,
		Code:    ErrCodeChainOutcomeUnknown,
		Message: fmt.Sprintf("chain transaction %s timed out and its outcome could not be read", method),
		Details: map[string]interface{}{"method": method, "tx_hash": txHash},
		Cause:   cause,
	}
}

// NewPartialSuccessError reports a confirmed chain write whose paired store write failed
func NewPartialSuccessError(step string, details map[string]interface{}, cause error) *Error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["pending_step"] = step
	return &Error{
		Type:    ErrorTypePartialSuccess,
		Code:    ErrCodePartialSuccess,
		Message: fmt.Sprintf("chain write confirmed but %s failed; reconcile the store", step),
		Details: details,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *Error {
	return &Error{Type: ErrorTypeValidation, Code: code, Message: message, Details: details}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string) *Error {
	return &Error{Type: ErrorTypeConflict, Code: code, Message: message}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *Error {
	return &Error{Type: ErrorTypeInternal, Code: code, Message: message, Cause: cause}
}

// Common error codes
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeEntityNotFound       = "ENTITY_NOT_FOUND"
	ErrCodePatientNotFound      = "PATIENT_NOT_FOUND"
	ErrCodePrescriptionNotFound = "PRESCRIPTION_NOT_FOUND"
	ErrCodeHospitalNotFound     = "HOSPITAL_NOT_FOUND"
	ErrCodeNotAdmin             = "NOT_ADMIN"
	ErrCodeRoleMismatch         = "ROLE_MISMATCH"
	ErrCodeWalletProofInvalid   = "WALLET_PROOF_INVALID"
	ErrCodeRequestSignature     = "REQUEST_SIGNATURE_INVALID"
	ErrCodeAlreadyVerified      = "ALREADY_VERIFIED"
	ErrCodeAlreadyFulfilled     = "ALREADY_FULFILLED"
	ErrCodeChainWriteFailed     = "CHAIN_WRITE_FAILED"
	ErrCodeChainOutcomeUnknown  = "CHAIN_OUTCOME_UNKNOWN"
	ErrCodePartialSuccess       = "PARTIAL_SUCCESS"
	ErrCodeDuplicateEntity      = "DUPLICATE_ENTITY"
	ErrCodeWalletAlreadyBound   = "WALLET_ALREADY_BOUND"
	ErrCodeChainRecordMissing   = "CHAIN_RECORD_MISSING"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeChainReadFailed      = "CHAIN_READ_FAILED"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)
