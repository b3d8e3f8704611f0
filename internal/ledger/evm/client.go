// Package evm implements ledger.Client against an Ethereum JSON-RPC node
// hosting the registry contract.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

// Backend is the node surface the client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Config configures the EVM client.
type Config struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	ConfirmTimeout  time.Duration
}

// Client is a ledger.Client bound to one deployed registry contract.
type Client struct {
	backend        Backend
	contract       *bind.BoundContract
	abi            abi.ABI
	address        common.Address
	chainID        *big.Int
	confirmTimeout time.Duration
	logger         *logger.Logger
	closer         func()
}

var _ ledger.Client = (*Client)(nil)

// Dial connects to the node at cfg.RPCURL.
func Dial(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.RPCURL, err)
	}

	c, err := New(eth, cfg, log)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close

	log.WithComponent("evm").WithFields(map[string]interface{}{
		"rpc_url":  cfg.RPCURL,
		"contract": cfg.ContractAddress,
		"chain_id": cfg.ChainID,
	}).Info("Connected to ledger node")

	return c, nil
}

// New binds the registry contract on an existing backend.
func New(backend Backend, cfg Config, log *logger.Logger) (*Client, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address: %q", cfg.ContractAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(ledger.RegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	return &Client{
		backend:        backend,
		contract:       bind.NewBoundContract(address, parsed, backend, backend, backend),
		abi:            parsed,
		address:        address,
		chainID:        big.NewInt(cfg.ChainID),
		confirmTimeout: cfg.ConfirmTimeout,
		logger:         log,
	}, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Submit signs and sends one transaction, then waits up to the confirm
// timeout for it to be mined.
func (c *Client) Submit(ctx context.Context, method string, args []interface{}, signer ledger.Signer) (*ledger.Receipt, error) {
	transactor, ok := signer.(ledger.Transactor)
	if !ok {
		return nil, &ledger.TxError{Method: method, Err: ledger.ErrNoTransactor}
	}

	opts, err := transactor.TransactOpts(c.chainID)
	if err != nil {
		return nil, &ledger.TxError{Method: method, Err: fmt.Errorf("%w: %v", ledger.ErrNoTransactor, err)}
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		return nil, &ledger.TxError{Method: method, Err: classify(err)}
	}
	txHash := tx.Hash().Hex()

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &ledger.TxError{Method: method, TxHash: txHash, Err: ledger.ErrTimeout}
		}
		return nil, &ledger.TxError{Method: method, TxHash: txHash, Err: classify(err)}
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, &ledger.TxError{Method: method, TxHash: txHash, Err: c.revertReason(ctx, opts.From, tx, receipt)}
	}

	return c.toReceipt(receipt, opts.From, method)
}

// Call executes a read-only contract method.
func (c *Client) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// Confirm fetches the receipt of txHash, or ledger.ErrPending when the node
// does not know it as mined.
func (c *Client) Confirm(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	hash := common.HexToHash(txHash)

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ledger.ErrPending
	}
	if err != nil {
		return nil, classify(err)
	}

	tx, _, err := c.transactionByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	method := ""
	if m, err := c.abi.MethodById(tx.Data()); err == nil {
		method = m.Name
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender of %s: %w", txHash, err)
	}

	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return nil, &ledger.TxError{Method: method, TxHash: txHash, Err: c.revertReason(ctx, from, tx, receipt)}
	}
	return c.toReceipt(receipt, from, method)
}

func (c *Client) transactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	reader, ok := c.backend.(ethereum.TransactionReader)
	if !ok {
		return nil, false, fmt.Errorf("backend cannot look up transactions")
	}
	tx, pending, err := reader.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, classify(err)
	}
	return tx, pending, nil
}

// revertReason replays a failed transaction at its block to recover the
// revert string.
func (c *Client) revertReason(ctx context.Context, from common.Address, tx *ethtypes.Transaction, receipt *ethtypes.Receipt) error {
	msg := ethereum.CallMsg{From: from, To: tx.To(), Data: tx.Data(), Gas: tx.Gas(), Value: tx.Value()}
	_, err := c.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ledger.RevertError("")
	}
	return classify(err)
}

func (c *Client) toReceipt(r *ethtypes.Receipt, from common.Address, method string) (*ledger.Receipt, error) {
	events, err := c.decodeLogs(r.Logs)
	if err != nil {
		return nil, &ledger.TxError{Method: method, TxHash: r.TxHash.Hex(), Err: err}
	}
	return &ledger.Receipt{
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber.Uint64(),
		From:        from.Hex(),
		Method:      method,
		Events:      events,
	}, nil
}

// decodeLogs decodes the registry events in logs; logs from other contracts
// or with unknown topics are skipped.
func (c *Client) decodeLogs(logs []*ethtypes.Log) ([]ledger.Event, error) {
	var events []ledger.Event
	for _, l := range logs {
		if l == nil || l.Address != c.address || len(l.Topics) == 0 {
			continue
		}
		ev, err := c.abi.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		fields := make(map[string]interface{})
		if err := c.contract.UnpackLogIntoMap(fields, ev.Name, *l); err != nil {
			return nil, fmt.Errorf("decode %s log: %w", ev.Name, err)
		}
		events = append(events, ledger.Event{Name: ev.Name, Fields: fields})
	}
	return events, nil
}

// classify maps node errors onto ledger failure kinds, keeping the original
// message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ledger.ErrTimeout, err)
	}

	kind := ledger.ClassifyMessage(err.Error())
	if strings.Contains(strings.ToLower(err.Error()), "underpriced") {
		kind = ledger.ErrRejected
	}
	if kind.Error() == err.Error() {
		return kind
	}
	return fmt.Errorf("%w (%v)", kind, err)
}
