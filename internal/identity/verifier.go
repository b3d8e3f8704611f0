// Package identity gates chain-mutating operations on ledger identity: the
// contract admin for verification and, optionally, proof that a registrant
// controls the wallet they claim.
package identity

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aalan294/PEC-MediPlus/internal/ledger"
	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// Chain is the read-only ledger surface the verifier needs.
type Chain interface {
	Admin(ctx context.Context) (common.Address, error)
	GetEntity(ctx context.Context, wallet string) (*types.ChainEntity, error)
}

// Verifier authorizes state transitions against ledger identity.
type Verifier struct {
	chain  Chain
	logger *logger.Logger
}

// NewVerifier creates a new identity verifier
func NewVerifier(chain Chain, log *logger.Logger) *Verifier {
	return &Verifier{chain: chain, logger: log}
}

// AuthorizeAdmin succeeds only when signer is the contract admin.
func (v *Verifier) AuthorizeAdmin(ctx context.Context, signer ledger.Signer) error {
	if signer == nil {
		return types.NewUnauthorizedError(types.ErrCodeNotAdmin, "no signer supplied", nil)
	}

	admin, err := v.chain.Admin(ctx)
	if err != nil {
		return types.NewInternalError(types.ErrCodeChainReadFailed, "failed to read contract admin", err)
	}

	if admin != signer.Address() {
		v.logger.Audit(signer.Address().Hex(), "authorize_admin", "registry", false, map[string]interface{}{
			"admin": admin.Hex(),
		})
		return types.NewUnauthorizedError(types.ErrCodeNotAdmin,
			fmt.Sprintf("%s is not the registry admin", signer.Address().Hex()), nil)
	}
	return nil
}

// RoleOf returns the role the ledger records for wallet.
func (v *Verifier) RoleOf(ctx context.Context, wallet string) (types.Role, error) {
	entity, err := v.chain.GetEntity(ctx, wallet)
	if err != nil {
		return 0, types.NewInternalError(types.ErrCodeChainReadFailed, "failed to read chain entity", err)
	}
	if entity == nil {
		return 0, types.NewNotFoundError(types.ErrCodeEntityNotFound,
			fmt.Sprintf("wallet %s is not registered on the ledger", wallet))
	}
	return entity.Role, nil
}

// RegistrationChallenge is the message a registrant signs with their wallet
// to prove they control it.
func RegistrationChallenge(wallet string, role types.Role, email string) string {
	return fmt.Sprintf("MediPlus registration\nwallet: %s\nrole: %s\nemail: %s",
		common.HexToAddress(wallet).Hex(), role.String(), strings.ToLower(strings.TrimSpace(email)))
}

// VerifyWalletProof checks that signature is an EIP-191 personal signature
// of message by wallet. signature is 0x-prefixed hex, 65 bytes.
func VerifyWalletProof(wallet, message, signature string) error {
	invalid := func(reason string) error {
		return types.NewValidationError(types.ErrCodeWalletProofInvalid, reason, map[string]interface{}{"wallet": wallet})
	}

	if !common.IsHexAddress(wallet) {
		return invalid("wallet is not a valid address")
	}
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return invalid("signature is not valid hex")
	}
	if len(sig) != crypto.SignatureLength {
		return invalid(fmt.Sprintf("signature must be %d bytes", crypto.SignatureLength))
	}

	// Wallets produce recovery ids 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	r, s := new(big.Int).SetBytes(sig[:32]), new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return invalid("signature values are out of range")
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return invalid("signature does not recover a public key")
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(wallet) {
		return invalid("signature was not produced by the claimed wallet")
	}
	return nil
}
