package evm

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

var contractAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newUnboundClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(nil, Config{
		ContractAddress: contractAddr.Hex(),
		ChainID:         1337,
		ConfirmTimeout:  time.Second,
	}, logger.NewNop())
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadAddress(t *testing.T) {
	_, err := New(nil, Config{ContractAddress: "not-an-address"}, logger.NewNop())
	require.Error(t, err)
}

func TestDecodeLogs_PrescriptionCreated(t *testing.T) {
	c := newUnboundClient(t)
	issuer := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	ev := c.abi.Events[ledger.EventPrescriptionCreated]
	data, err := ev.Inputs.NonIndexed().Pack("pat-1")
	require.NoError(t, err)

	logs := []*ethtypes.Log{
		{
			Address: contractAddr,
			Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(7)), common.BytesToHash(issuer.Bytes())},
			Data:    data,
		},
		// foreign contract
		{
			Address: common.HexToAddress("0x00000000000000000000000000000000000000ff"),
			Topics:  []common.Hash{ev.ID},
		},
	}

	events, err := c.decodeLogs(logs)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ledger.EventPrescriptionCreated, events[0].Name)
	assert.Equal(t, "pat-1", events[0].Fields["patientId"])
	assert.Equal(t, issuer, events[0].Fields["issuer"])

	receipt := &ledger.Receipt{TxHash: "0x01", Events: events}
	id, err := ledger.PrescriptionIDFromReceipt(receipt)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
}

func TestSubmit_RequiresTransactor(t *testing.T) {
	c := newUnboundClient(t)

	_, err := c.Submit(context.Background(), ledger.MethodFulfillPrescription,
		[]interface{}{big.NewInt(1)}, ledger.AddressSigner(common.Address{}))
	assert.ErrorIs(t, err, ledger.ErrNoTransactor)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"execution reverted: Unauthorized", ledger.ErrUnauthorized},
		{"execution reverted: AlreadyFulfilled", ledger.ErrAlreadyFulfilled},
		{"execution reverted: NotFound", ledger.ErrNotFound},
		{"execution reverted: something else", ledger.ErrRejected},
		{"intrinsic gas too low", ledger.ErrInsufficientGas},
		{"insufficient funds for gas * price + value", ledger.ErrInsufficientGas},
		{"dial tcp 127.0.0.1:8545: connect: connection refused", ledger.ErrNetworkUnavailable},
		{"replacement transaction underpriced", ledger.ErrRejected},
		{"nonce too low", ledger.ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := classify(errors.New(tt.msg))
			assert.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}

	assert.ErrorIs(t, classify(context.DeadlineExceeded), ledger.ErrTimeout)
}
