package identity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// Headers carrying the proof that the caller controls the wallet named in
// the request.
const (
	SignatureHeader = "X-Wallet-Signature"
	TimestampHeader = "X-Wallet-Timestamp"
)

// SignedRequest is the part of an HTTP request covered by its wallet signature.
type SignedRequest struct {
	Method    string
	Path      string
	Wallet    string
	Timestamp string
	Signature string
	Body      []byte
}

// RequestChallenge is the message a wallet signs to authorize one
// chain-mutating request. path is the request URI including any ids; the
// body is bound by its keccak256 digest.
func RequestChallenge(method, path, wallet string, timestamp int64, body []byte) string {
	return fmt.Sprintf("MediPlus request\nmethod: %s\npath: %s\nwallet: %s\ntimestamp: %d\nbody: %s",
		strings.ToUpper(method), path, common.HexToAddress(wallet).Hex(), timestamp, crypto.Keccak256Hash(body).Hex())
}

// RequestAuthenticator accepts a request only when its signature recovers
// the named wallet, its timestamp is within the window, and the signature
// has not been used before.
type RequestAuthenticator struct {
	window time.Duration
	replay ReplayGuard
	logger *logger.Logger
	now    func() time.Time
}

// NewRequestAuthenticator creates an authenticator accepting timestamps
// within window of the server clock.
func NewRequestAuthenticator(window time.Duration, replay ReplayGuard, log *logger.Logger) *RequestAuthenticator {
	return &RequestAuthenticator{window: window, replay: replay, logger: log, now: time.Now}
}

// Authenticate verifies req. Every failure is Unauthorized.
func (a *RequestAuthenticator) Authenticate(ctx context.Context, req SignedRequest) error {
	reject := func(msg string, cause error) error {
		a.logger.Audit(req.Wallet, "authenticate_request", req.Method+" "+req.Path, false, map[string]interface{}{
			"reason": msg,
		})
		return types.NewUnauthorizedError(types.ErrCodeRequestSignature, msg, cause)
	}

	if req.Signature == "" || req.Timestamp == "" {
		return reject(SignatureHeader+" and "+TimestampHeader+" headers are required", nil)
	}
	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return reject("timestamp must be unix seconds", err)
	}
	if skew := a.now().Sub(time.Unix(ts, 0)); skew > a.window || skew < -a.window {
		return reject("request timestamp is outside the accepted window", nil)
	}

	challenge := RequestChallenge(req.Method, req.Path, req.Wallet, ts, req.Body)
	if err := VerifyWalletProof(req.Wallet, challenge, req.Signature); err != nil {
		return reject("request signature does not match the wallet", err)
	}

	// r||s is the nonce. The recovery byte is left out because 0/1 and 27/28
	// encode the same signature.
	fresh, err := a.replay.Claim(ctx, strings.ToLower(req.Signature[2:130]), 2*a.window)
	if err != nil {
		return types.NewInternalError(types.ErrCodeInternalError, "failed to record request signature", err)
	}
	if !fresh {
		return reject("request signature was already used", nil)
	}
	return nil
}
