package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the account a transaction is sent from. It is always passed
// explicitly; nothing in this package holds an ambient signer.
type Signer interface {
	Address() common.Address
}

// Transactor is a Signer that can produce signed transactions for an EVM node.
type Transactor interface {
	Signer
	TransactOpts(chainID *big.Int) (*bind.TransactOpts, error)
}

// KeySigner signs with an in-memory ECDSA key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex-encoded private key, with or without 0x prefix.
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewKeySignerFromKey(key), nil
}

// NewKeySignerFromKey wraps an existing key.
func NewKeySignerFromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewKeySignerFromKey(key), nil
}

// Address returns the account address
func (s *KeySigner) Address() common.Address {
	return s.address
}

// TransactOpts returns bind options signing with this key
func (s *KeySigner) TransactOpts(chainID *big.Int) (*bind.TransactOpts, error) {
	return bind.NewKeyedTransactorWithChainID(s.key, chainID)
}

// SignPersonal signs msg with the EIP-191 personal message prefix. The
// recovery id is returned in the 27/28 form wallets produce.
func (s *KeySigner) SignPersonal(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// AddressSigner identifies an account without holding its key. Only backends
// that do not verify signatures, such as the development ledger, accept it.
type AddressSigner common.Address

// Address returns the account address
func (a AddressSigner) Address() common.Address {
	return common.Address(a)
}

// Keyring resolves wallet addresses to the signers the service holds keys for.
type Keyring struct {
	mu      sync.RWMutex
	signers map[common.Address]Signer
}

// NewKeyring builds a keyring from hex private keys.
func NewKeyring(hexKeys ...string) (*Keyring, error) {
	k := &Keyring{signers: make(map[common.Address]Signer)}
	for i, hexKey := range hexKeys {
		if strings.TrimSpace(hexKey) == "" {
			continue
		}
		s, err := NewKeySigner(hexKey)
		if err != nil {
			return nil, fmt.Errorf("signer key %d: %w", i, err)
		}
		k.Add(s)
	}
	return k, nil
}

// Add registers s, replacing any signer with the same address.
func (k *Keyring) Add(s Signer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[s.Address()] = s
}

// Lookup returns the signer for a hex address.
func (k *Keyring) Lookup(address string) (Signer, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid wallet address: %q", address)
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[common.HexToAddress(address)]
	if !ok {
		return nil, fmt.Errorf("no signing key held for %s", address)
	}
	return s, nil
}

// Addresses lists every address in the keyring.
func (k *Keyring) Addresses() []common.Address {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]common.Address, 0, len(k.signers))
	for addr := range k.signers {
		out = append(out, addr)
	}
	return out
}
