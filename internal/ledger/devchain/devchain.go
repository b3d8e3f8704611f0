// Package devchain is an in-process ledger that executes the registry
// contract rules against a LevelDB state database. One transaction is mined
// per block. It backs local development and the coordinator tests.
package devchain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

var (
	keyAdmin      = []byte("meta/admin")
	keyHeight     = []byte("meta/height")
	keyRxCount    = []byte("meta/prescriptions")
	prefixEntity  = "entity/"
	prefixRx      = "rx/"
	prefixReceipt = "tx/"
)

// Chain is the development ledger. It implements ledger.Client.
type Chain struct {
	mu     sync.Mutex
	db     *leveldb.DB
	admin  common.Address
	clock  func() time.Time
	logger *logger.Logger

	faults     map[string]error
	readFaults map[string]error
	delays     map[string]time.Duration
}

// ReadConfirm names Confirm for FailNextRead.
const ReadConfirm = "confirm"

var _ ledger.Client = (*Chain)(nil)

// Open opens or creates a chain persisted under path. admin is written at
// genesis; reopening with a different admin fails.
func Open(path string, admin common.Address, log *logger.Logger) (*Chain, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open devchain at %s: %w", path, err)
	}
	return newChain(db, admin, log)
}

// OpenMemory opens a chain held entirely in memory.
func OpenMemory(admin common.Address, log *logger.Logger) (*Chain, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory devchain: %w", err)
	}
	return newChain(db, admin, log)
}

func newChain(db *leveldb.DB, admin common.Address, log *logger.Logger) (*Chain, error) {
	c := &Chain{
		db:     db,
		admin:  admin,
		clock:  time.Now,
		logger: log,
		faults:     make(map[string]error),
		readFaults: make(map[string]error),
		delays:     make(map[string]time.Duration),
	}

	stored, err := db.Get(keyAdmin, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		if err := db.Put(keyAdmin, admin.Bytes(), nil); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to write genesis: %w", err)
		}
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("failed to read genesis: %w", err)
	default:
		if existing := common.BytesToAddress(stored); existing != admin {
			db.Close()
			return nil, fmt.Errorf("devchain admin is %s, not %s", existing.Hex(), admin.Hex())
		}
	}

	return c, nil
}

// Close releases the state database.
func (c *Chain) Close() error {
	return c.db.Close()
}

// SetClock replaces the block timestamp source.
func (c *Chain) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// FailNext makes the next Submit of method fail with err without executing
// it. ledger.ErrTimeout yields a broadcast-but-never-mined transaction whose
// hash Confirm reports as pending.
func (c *Chain) FailNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[method] = err
}

// FailNextRead makes the next Call of a view method, or the next Confirm
// when method is ReadConfirm, fail with err.
func (c *Chain) FailNextRead(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readFaults[method] = err
}

// readFault pops the injected read failure for method. The caller holds c.mu.
func (c *Chain) readFault(method string) error {
	err, ok := c.readFaults[method]
	if ok {
		delete(c.readFaults, method)
	}
	return err
}

// DelayNext mines the next Submit of method but withholds the receipt for d.
// A caller whose context ends first sees ledger.ErrTimeout.
func (c *Chain) DelayNext(method string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays[method] = d
}

// Height returns the number of mined blocks.
func (c *Chain) Height() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCounter(keyHeight)
}

// Submit executes one contract transaction.
func (c *Chain) Submit(ctx context.Context, method string, args []interface{}, signer ledger.Signer) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ledger.TxError{Method: method, Err: ledger.ErrNetworkUnavailable}
	}
	if signer == nil {
		return nil, &ledger.TxError{Method: method, Err: ledger.ErrNoTransactor}
	}

	c.mu.Lock()
	from := signer.Address()
	if fault, ok := c.faults[method]; ok {
		delete(c.faults, method)
		c.mu.Unlock()
		txErr := &ledger.TxError{Method: method, Err: fault}
		if errors.Is(fault, ledger.ErrTimeout) {
			txErr.TxHash = c.txHash(method, from, args, uint64(time.Now().UnixNano())).Hex()
		}
		return nil, txErr
	}
	delay, delayed := c.delays[method]
	delete(c.delays, method)

	receipt, err := c.execute(method, args, from)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if delayed {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, &ledger.TxError{Method: method, TxHash: receipt.TxHash, Err: ledger.ErrTimeout}
		}
	}

	return receipt, nil
}

// Call executes a read-only contract method.
func (c *Chain) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.ErrNetworkUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFault(method); err != nil {
		return nil, err
	}

	switch method {
	case ledger.MethodAdmin:
		return []interface{}{c.admin}, nil

	case ledger.MethodGetEntity:
		wallet, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		rec, err := c.readEntity(wallet)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return []interface{}{"", "", "", uint8(0), false}, nil
		}
		return []interface{}{rec.OffChainID, rec.Name, rec.VerificationDocRef, rec.Role, true}, nil

	case ledger.MethodGetPrescription:
		id, err := argBigInt(args, 0)
		if err != nil {
			return nil, err
		}
		rx, err := c.readPrescription(id.Uint64())
		if err != nil {
			return nil, err
		}
		if rx == nil {
			return nil, ledger.ErrNotFound
		}
		return []interface{}{
			new(big.Int).SetUint64(rx.ID),
			rx.PatientID,
			big.NewInt(rx.Timestamp),
			rx.Description,
			rx.Dept,
			rx.Medicines,
			rx.Documents,
			rx.Allergies,
			rx.Fulfilled,
		}, nil

	case ledger.MethodPrescriptionCount:
		n, err := c.readCounter(keyRxCount)
		if err != nil {
			return nil, err
		}
		return []interface{}{new(big.Int).SetUint64(n)}, nil

	default:
		return nil, fmt.Errorf("devchain: unknown view method %q", method)
	}
}

// Confirm returns the receipt of a mined transaction or ledger.ErrPending.
func (c *Chain) Confirm(ctx context.Context, txHash string) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.ErrNetworkUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readFault(ReadConfirm); err != nil {
		return nil, err
	}

	data, err := c.db.Get([]byte(prefixReceipt+strings.ToLower(txHash)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ledger.ErrPending
	}
	if err != nil {
		return nil, fmt.Errorf("devchain: read receipt: %w", err)
	}

	var stored storedReceipt
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("devchain: decode receipt: %w", err)
	}
	return stored.toReceipt(), nil
}

// execute runs method against state and commits the resulting block. The
// caller holds c.mu.
func (c *Chain) execute(method string, args []interface{}, from common.Address) (*ledger.Receipt, error) {
	height, err := c.readCounter(keyHeight)
	if err != nil {
		return nil, err
	}
	block := height + 1
	hash := c.txHash(method, from, args, block)

	batch := new(leveldb.Batch)
	var events []storedEvent

	switch method {
	case ledger.MethodRegisterFields:
		events, err = c.registerFields(batch, args, from)
	case ledger.MethodCreatePrescription:
		events, err = c.createPrescription(batch, args, from)
	case ledger.MethodFulfillPrescription:
		events, err = c.fulfillPrescription(batch, args, from)
	default:
		err = fmt.Errorf("%w: unknown method %s", ledger.ErrRejected, method)
	}
	if err != nil {
		return nil, &ledger.TxError{Method: method, Err: err}
	}

	stored := storedReceipt{
		TxHash:      hash.Hex(),
		BlockNumber: block,
		From:        from.Hex(),
		Method:      method,
		Events:      events,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, &ledger.TxError{Method: method, Err: err}
	}
	batch.Put([]byte(prefixReceipt+strings.ToLower(stored.TxHash)), data)
	batch.Put(keyHeight, encodeUint64(block))

	if err := c.db.Write(batch, nil); err != nil {
		return nil, &ledger.TxError{Method: method, Err: fmt.Errorf("%w: %v", ledger.ErrNetworkUnavailable, err)}
	}

	if c.logger != nil {
		c.logger.WithComponent("devchain").WithFields(map[string]interface{}{
			"block":  block,
			"tx":     stored.TxHash,
			"method": method,
			"from":   stored.From,
		}).Debug("Block mined")
	}

	return stored.toReceipt(), nil
}

func (c *Chain) registerFields(batch *leveldb.Batch, args []interface{}, from common.Address) ([]storedEvent, error) {
	if from != c.admin {
		return nil, ledger.ErrUnauthorized
	}
	wallet, err := argAddress(args, 0)
	if err != nil {
		return nil, err
	}
	offChainID, err := argString(args, 1)
	if err != nil {
		return nil, err
	}
	name, err := argString(args, 2)
	if err != nil {
		return nil, err
	}
	docRef, err := argString(args, 3)
	if err != nil {
		return nil, err
	}
	role, err := argUint8(args, 4)
	if err != nil {
		return nil, err
	}
	if _, err := types.RoleFromChain(role); err != nil || offChainID == "" {
		return nil, ledger.ErrInvalidArgument
	}

	existing, err := c.readEntity(wallet)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ledger.ErrAlreadyRegistered
	}

	rec := entityRecord{OffChainID: offChainID, Name: name, VerificationDocRef: docRef, Role: role}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	batch.Put(entityKey(wallet), data)

	return []storedEvent{{
		Name:       ledger.EventEntityRegistered,
		Account:    wallet.Hex(),
		OffChainID: offChainID,
		Role:       role,
	}}, nil
}

func (c *Chain) createPrescription(batch *leveldb.Batch, args []interface{}, from common.Address) ([]storedEvent, error) {
	issuer, err := c.readEntity(from)
	if err != nil {
		return nil, err
	}
	if issuer == nil || !types.Role(issuer.Role).CanIssuePrescriptions() {
		return nil, ledger.ErrUnauthorized
	}

	rx := prescriptionRecord{}
	if rx.PatientID, err = argString(args, 0); err != nil {
		return nil, err
	}
	if rx.Description, err = argString(args, 1); err != nil {
		return nil, err
	}
	if rx.Dept, err = argUint8(args, 2); err != nil {
		return nil, err
	}
	if rx.Doctor, err = argString(args, 3); err != nil {
		return nil, err
	}
	if rx.Medicines, err = argStrings(args, 4); err != nil {
		return nil, err
	}
	if rx.Documents, err = argStrings(args, 5); err != nil {
		return nil, err
	}
	if rx.Allergies, err = argStrings(args, 6); err != nil {
		return nil, err
	}
	if rx.PatientID == "" {
		return nil, ledger.ErrInvalidArgument
	}

	count, err := c.readCounter(keyRxCount)
	if err != nil {
		return nil, err
	}
	rx.ID = count + 1
	rx.Timestamp = c.clock().Unix()
	rx.Issuer = from.Hex()

	data, err := json.Marshal(rx)
	if err != nil {
		return nil, err
	}
	batch.Put(prescriptionKey(rx.ID), data)
	batch.Put(keyRxCount, encodeUint64(rx.ID))

	return []storedEvent{{
		Name:           ledger.EventPrescriptionCreated,
		PrescriptionID: rx.ID,
		PatientID:      rx.PatientID,
		Account:        from.Hex(),
	}}, nil
}

func (c *Chain) fulfillPrescription(batch *leveldb.Batch, args []interface{}, from common.Address) ([]storedEvent, error) {
	id, err := argBigInt(args, 0)
	if err != nil {
		return nil, err
	}
	rx, err := c.readPrescription(id.Uint64())
	if err != nil {
		return nil, err
	}
	if rx == nil {
		return nil, ledger.ErrNotFound
	}

	sender, err := c.readEntity(from)
	if err != nil {
		return nil, err
	}
	if sender == nil || types.Role(sender.Role) != types.RolePharmacy {
		return nil, ledger.ErrUnauthorized
	}
	if rx.Fulfilled {
		return nil, ledger.ErrAlreadyFulfilled
	}

	rx.Fulfilled = true
	data, err := json.Marshal(rx)
	if err != nil {
		return nil, err
	}
	batch.Put(prescriptionKey(rx.ID), data)

	return []storedEvent{{
		Name:           ledger.EventPrescriptionFulfilled,
		PrescriptionID: rx.ID,
		Account:        from.Hex(),
	}}, nil
}

func (c *Chain) readEntity(wallet common.Address) (*entityRecord, error) {
	data, err := c.db.Get(entityKey(wallet), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devchain: read entity: %w", err)
	}
	var rec entityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("devchain: decode entity: %w", err)
	}
	return &rec, nil
}

func (c *Chain) readPrescription(id uint64) (*prescriptionRecord, error) {
	data, err := c.db.Get(prescriptionKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devchain: read prescription: %w", err)
	}
	var rx prescriptionRecord
	if err := json.Unmarshal(data, &rx); err != nil {
		return nil, fmt.Errorf("devchain: decode prescription: %w", err)
	}
	return &rx, nil
}

func (c *Chain) readCounter(key []byte) (uint64, error) {
	data, err := c.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("devchain: read %s: %w", key, err)
	}
	return binary.BigEndian.Uint64(data), nil
}

func (c *Chain) txHash(method string, from common.Address, args []interface{}, nonce uint64) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(method),
		from.Bytes(),
		[]byte(fmt.Sprintf("%v", args)),
		encodeUint64(nonce),
	)
}

func entityKey(wallet common.Address) []byte {
	return []byte(prefixEntity + strings.ToLower(wallet.Hex()))
}

func prescriptionKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRx, id))
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}
