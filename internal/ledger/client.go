// Package ledger is the capability boundary to the registry/prescription
// contract. Backends implement Client; Registry layers the typed contract
// methods on top of it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Client submits transactions to and reads state from the registry contract.
type Client interface {
	// Submit sends one transaction and blocks until it is mined or ctx ends.
	// It never resubmits: a dropped or underpriced transaction is returned to
	// the caller as an error.
	Submit(ctx context.Context, method string, args []interface{}, signer Signer) (*Receipt, error)

	// Call executes a read-only contract method and returns its outputs in ABI order.
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)

	// Confirm looks up a previously submitted transaction. It returns ErrPending
	// when the transaction has not been mined yet.
	Confirm(ctx context.Context, txHash string) (*Receipt, error)
}

// Receipt is a mined transaction.
type Receipt struct {
	TxHash      string  `json:"tx_hash"`
	BlockNumber uint64  `json:"block_number"`
	From        string  `json:"from"`
	Method      string  `json:"method"`
	Events      []Event `json:"events,omitempty"`
}

// Event is a decoded contract event.
type Event struct {
	Name   string                 `json:"name"`
	Fields map[string]interface{} `json:"fields"`
}

// FindEvent returns the first event with the given name.
func (r *Receipt) FindEvent(name string) (*Event, bool) {
	for i := range r.Events {
		if r.Events[i].Name == name {
			return &r.Events[i], true
		}
	}
	return nil, false
}

// Failure kinds surfaced by Submit and Call.
var (
	ErrRejected           = errors.New("transaction rejected")
	ErrInsufficientGas    = errors.New("insufficient gas")
	ErrNetworkUnavailable = errors.New("ledger network unavailable")
	ErrTimeout            = errors.New("timed out waiting for confirmation")
	ErrPending            = errors.New("transaction not yet mined")
	ErrNoTransactor       = errors.New("signer cannot sign transactions for this backend")
)

// Contract revert reasons. All of them are rejections.
var (
	ErrUnauthorized      = fmt.Errorf("%w: Unauthorized", ErrRejected)
	ErrAlreadyFulfilled  = fmt.Errorf("%w: AlreadyFulfilled", ErrRejected)
	ErrNotFound          = fmt.Errorf("%w: NotFound", ErrRejected)
	ErrAlreadyRegistered = fmt.Errorf("%w: AlreadyRegistered", ErrRejected)
	ErrInvalidArgument   = fmt.Errorf("%w: InvalidArgument", ErrRejected)
)

var revertReasons = map[string]error{
	"Unauthorized":      ErrUnauthorized,
	"AlreadyFulfilled":  ErrAlreadyFulfilled,
	"NotFound":          ErrNotFound,
	"AlreadyRegistered": ErrAlreadyRegistered,
	"InvalidArgument":   ErrInvalidArgument,
}

// RevertError maps a contract revert reason to its sentinel.
func RevertError(reason string) error {
	reason = strings.TrimSpace(reason)
	if err, ok := revertReasons[reason]; ok {
		return err
	}
	return fmt.Errorf("%w: reverted: %s", ErrRejected, reason)
}

// TxError carries the method and, once broadcast, the transaction hash of a
// failed Submit. A timed-out transaction keeps its hash so it can be looked
// up later with Confirm.
type TxError struct {
	Method string
	TxHash string
	Err    error
}

// Error implements the error interface
func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("%s (tx %s): %v", e.Method, e.TxHash, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Method, e.Err)
}

// Unwrap returns the failure kind
func (e *TxError) Unwrap() error {
	return e.Err
}

// TxHashOf returns the transaction hash recorded in err, if any.
func TxHashOf(err error) string {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.TxHash
	}
	return ""
}

// ClassifyMessage maps a raw node/RPC error message to a failure kind.
func ClassifyMessage(msg string) error {
	lower := strings.ToLower(msg)

	if idx := strings.Index(msg, "execution reverted"); idx >= 0 {
		reason := strings.TrimPrefix(msg[idx+len("execution reverted"):], ":")
		return RevertError(reason)
	}

	switch {
	case strings.Contains(lower, "intrinsic gas too low"),
		strings.Contains(lower, "out of gas"),
		strings.Contains(lower, "gas required exceeds"),
		strings.Contains(lower, "insufficient funds"):
		return ErrInsufficientGas
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "dial tcp"):
		return ErrNetworkUnavailable
	default:
		return ErrRejected
	}
}
