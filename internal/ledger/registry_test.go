package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/monitoring"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// MockClient is a mock implementation of Client
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Submit(ctx context.Context, method string, args []interface{}, signer Signer) (*Receipt, error) {
	ret := m.Called(ctx, method, args, signer)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*Receipt), ret.Error(1)
}

func (m *MockClient) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	ret := m.Called(ctx, method, args)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).([]interface{}), ret.Error(1)
}

func (m *MockClient) Confirm(ctx context.Context, txHash string) (*Receipt, error) {
	ret := m.Called(ctx, txHash)
	if ret.Get(0) == nil {
		return nil, ret.Error(1)
	}
	return ret.Get(0).(*Receipt), ret.Error(1)
}

var testWallet = "0x00000000000000000000000000000000000000bb"

func newTestRegistry(client Client) (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsCollector("test", reg)
	return NewRegistry(client, logger.NewNop(), metrics, nil), reg
}

func TestRegistry_GetEntity(t *testing.T) {
	client := new(MockClient)
	registry, _ := newTestRegistry(client)
	wallet := common.HexToAddress(testWallet)

	client.On("Call", mock.Anything, MethodGetEntity, []interface{}{wallet}).
		Return([]interface{}{"ent-1", "City Pharmacy", "ipfs://doc", uint8(0), true}, nil).Once()

	entity, err := registry.GetEntity(context.Background(), testWallet)
	require.NoError(t, err)
	require.NotNil(t, entity)
	assert.Equal(t, "ent-1", entity.OffChainID)
	assert.Equal(t, types.RolePharmacy, entity.Role)
	assert.Equal(t, wallet.Hex(), entity.Wallet)

	client.On("Call", mock.Anything, MethodGetEntity, []interface{}{wallet}).
		Return([]interface{}{"", "", "", uint8(0), false}, nil).Once()

	entity, err = registry.GetEntity(context.Background(), testWallet)
	require.NoError(t, err)
	assert.Nil(t, entity)

	client.AssertExpectations(t)
}

func TestRegistry_RegisterFields(t *testing.T) {
	client := new(MockClient)
	registry, reg := newTestRegistry(client)
	admin := AddressSigner(common.HexToAddress("0x00000000000000000000000000000000000000aa"))

	entity := types.ChainEntity{
		Wallet:             testWallet,
		OffChainID:         "ent-1",
		Name:               "City Hospital",
		VerificationDocRef: "ipfs://doc",
		Role:               types.RoleHospital,
	}
	expectedArgs := []interface{}{common.HexToAddress(testWallet), "ent-1", "City Hospital", "ipfs://doc", uint8(2)}

	client.On("Submit", mock.Anything, MethodRegisterFields, expectedArgs, admin).
		Return(&Receipt{TxHash: "0xabc", BlockNumber: 3}, nil).Once()

	receipt, err := registry.RegisterFields(context.Background(), entity, admin)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", receipt.TxHash)

	client.On("Submit", mock.Anything, MethodRegisterFields, expectedArgs, admin).
		Return(nil, &TxError{Method: MethodRegisterFields, Err: ErrUnauthorized}).Once()

	_, err = registry.RegisterFields(context.Background(), entity, admin)
	assert.ErrorIs(t, err, ErrUnauthorized)

	series, err := testutil.GatherAndCount(reg, "chain_transactions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
	client.AssertExpectations(t)
}

func TestRegistry_SubmitRequiresSigner(t *testing.T) {
	client := new(MockClient)
	registry, _ := newTestRegistry(client)

	_, err := registry.FulfillPrescription(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrNoTransactor)
	client.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRegistry_CreatePrescription(t *testing.T) {
	client := new(MockClient)
	registry, _ := newTestRegistry(client)
	issuer := AddressSigner(common.HexToAddress("0x00000000000000000000000000000000000000cc"))

	content := types.PrescriptionContent{
		Description: "fever",
		Dept:        4,
		DoctorLabel: "sample",
		Medicines:   []string{"paracetamol"},
	}

	client.On("Submit", mock.Anything, MethodCreatePrescription,
		[]interface{}{"pat-1", "fever", uint8(4), "sample", []string{"paracetamol"}, []string{}, []string{}}, issuer).
		Return(&Receipt{TxHash: "0xdef", Events: []Event{{
			Name:   EventPrescriptionCreated,
			Fields: map[string]interface{}{"prescriptionId": big.NewInt(7), "patientId": "pat-1"},
		}}}, nil).Once()

	id, receipt, err := registry.CreatePrescription(context.Background(), "pat-1", content, issuer)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, "0xdef", receipt.TxHash)
	client.AssertExpectations(t)
}

func TestRegistry_GetPrescription(t *testing.T) {
	client := new(MockClient)
	registry, _ := newTestRegistry(client)

	client.On("Call", mock.Anything, MethodGetPrescription, []interface{}{big.NewInt(7)}).
		Return([]interface{}{
			big.NewInt(7), "pat-1", big.NewInt(1700000000), "fever", uint8(4),
			[]string{"paracetamol"}, []string{}, []string{"penicillin"}, false,
		}, nil).Once()

	rx, err := registry.GetPrescription(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), rx.ID)
	assert.Equal(t, "pat-1", rx.PatientID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), rx.Timestamp)
	assert.Equal(t, types.Department(4), rx.Dept)
	assert.False(t, rx.Fulfilled)

	client.On("Call", mock.Anything, MethodGetPrescription, []interface{}{big.NewInt(8)}).
		Return(nil, ErrNotFound).Once()

	_, err = registry.GetPrescription(context.Background(), 8)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_PrescriptionCount(t *testing.T) {
	client := new(MockClient)
	registry, _ := newTestRegistry(client)

	client.On("Call", mock.Anything, MethodPrescriptionCount, []interface{}(nil)).
		Return([]interface{}{big.NewInt(12)}, nil).Once()

	n, err := registry.PrescriptionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)
}

func TestClassifyMessage(t *testing.T) {
	assert.ErrorIs(t, ClassifyMessage("execution reverted: Unauthorized"), ErrUnauthorized)
	assert.ErrorIs(t, ClassifyMessage("execution reverted: AlreadyRegistered"), ErrAlreadyRegistered)
	assert.ErrorIs(t, ClassifyMessage("out of gas"), ErrInsufficientGas)
	assert.ErrorIs(t, ClassifyMessage("connection refused"), ErrNetworkUnavailable)
	assert.ErrorIs(t, ClassifyMessage("nonce too low"), ErrRejected)
}

func TestTxError(t *testing.T) {
	err := &TxError{Method: MethodCreatePrescription, TxHash: "0x1", Err: ErrTimeout}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "0x1", TxHashOf(err))
	assert.Equal(t, "", TxHashOf(ErrTimeout))
	assert.Contains(t, err.Error(), "createPrescription (tx 0x1)")
}

func TestKeyring(t *testing.T) {
	signer, err := GenerateKeySigner()
	require.NoError(t, err)

	ring, err := NewKeyring()
	require.NoError(t, err)
	ring.Add(signer)

	found, err := ring.Lookup(signer.Address().Hex())
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), found.Address())

	_, err = ring.Lookup(testWallet)
	assert.Error(t, err)
	_, err = ring.Lookup("nope")
	assert.Error(t, err)

	_, err = NewKeyring("zz")
	assert.Error(t, err)
}
