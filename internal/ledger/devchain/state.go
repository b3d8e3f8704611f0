package devchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
)

type entityRecord struct {
	OffChainID         string `json:"off_chain_id"`
	Name               string `json:"name"`
	VerificationDocRef string `json:"verification_doc_ref"`
	Role               uint8  `json:"role"`
}

type prescriptionRecord struct {
	ID          uint64   `json:"id"`
	PatientID   string   `json:"patient_id"`
	Timestamp   int64    `json:"timestamp"`
	Description string   `json:"description"`
	Dept        uint8    `json:"dept"`
	Doctor      string   `json:"doctor"`
	Medicines   []string `json:"medicines"`
	Documents   []string `json:"documents"`
	Allergies   []string `json:"allergies"`
	Fulfilled   bool     `json:"fulfilled"`
	Issuer      string   `json:"issuer"`
}

// storedEvent is the flattened form of every contract event.
type storedEvent struct {
	Name           string `json:"name"`
	PrescriptionID uint64 `json:"prescription_id,omitempty"`
	PatientID      string `json:"patient_id,omitempty"`
	Account        string `json:"account,omitempty"`
	OffChainID     string `json:"off_chain_id,omitempty"`
	Role           uint8  `json:"role,omitempty"`
}

// toEvent rebuilds the fields with the Go types the ABI decoder produces.
func (e storedEvent) toEvent() ledger.Event {
	fields := make(map[string]interface{})
	switch e.Name {
	case ledger.EventEntityRegistered:
		fields["wallet"] = common.HexToAddress(e.Account)
		fields["offChainId"] = e.OffChainID
		fields["role"] = e.Role
	case ledger.EventPrescriptionCreated:
		fields["prescriptionId"] = new(big.Int).SetUint64(e.PrescriptionID)
		fields["patientId"] = e.PatientID
		fields["issuer"] = common.HexToAddress(e.Account)
	case ledger.EventPrescriptionFulfilled:
		fields["prescriptionId"] = new(big.Int).SetUint64(e.PrescriptionID)
		fields["pharmacy"] = common.HexToAddress(e.Account)
	}
	return ledger.Event{Name: e.Name, Fields: fields}
}

type storedReceipt struct {
	TxHash      string        `json:"tx_hash"`
	BlockNumber uint64        `json:"block_number"`
	From        string        `json:"from"`
	Method      string        `json:"method"`
	Events      []storedEvent `json:"events"`
}

func (r storedReceipt) toReceipt() *ledger.Receipt {
	receipt := &ledger.Receipt{
		TxHash:      r.TxHash,
		BlockNumber: r.BlockNumber,
		From:        r.From,
		Method:      r.Method,
	}
	for _, e := range r.Events {
		receipt.Events = append(receipt.Events, e.toEvent())
	}
	return receipt
}

func argAt(args []interface{}, i int) (interface{}, error) {
	if i >= len(args) {
		return nil, fmt.Errorf("%w: missing argument %d", ledger.ErrInvalidArgument, i)
	}
	return args[i], nil
}

func argAddress(args []interface{}, i int) (common.Address, error) {
	v, err := argAt(args, i)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := v.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: argument %d is %T, want address", ledger.ErrInvalidArgument, i, v)
	}
	return addr, nil
}

func argString(args []interface{}, i int) (string, error) {
	v, err := argAt(args, i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %d is %T, want string", ledger.ErrInvalidArgument, i, v)
	}
	return s, nil
}

func argUint8(args []interface{}, i int) (uint8, error) {
	v, err := argAt(args, i)
	if err != nil {
		return 0, err
	}
	n, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: argument %d is %T, want uint8", ledger.ErrInvalidArgument, i, v)
	}
	return n, nil
}

func argStrings(args []interface{}, i int) ([]string, error) {
	v, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: argument %d is %T, want string[]", ledger.ErrInvalidArgument, i, v)
	}
	return append([]string{}, s...), nil
}

func argBigInt(args []interface{}, i int) (*big.Int, error) {
	v, err := argAt(args, i)
	if err != nil {
		return nil, err
	}
	n, ok := v.(*big.Int)
	if !ok || n == nil || n.Sign() < 0 || !n.IsUint64() {
		return nil, fmt.Errorf("%w: argument %d is not a uint256", ledger.ErrInvalidArgument, i)
	}
	return n, nil
}
