package paywall

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/paygate/internal/pricing"
	"github.com/sells-group/paygate/internal/wire"
)

// Machine-checkable verification failure codes. Every rejection carries one
// of these plus a human-readable reason.
const (
	CodeMalformedProof     = "malformed_proof"
	CodeExpired            = "expired"
	CodeAssetMismatch      = "asset_mismatch"
	CodeChainMismatch      = "chain_mismatch"
	CodeAmountInsufficient = "amount_insufficient"
	CodeInvalidSignature   = "invalid_signature"
	CodeNonceReplay        = "nonce_already_used"
)

// VerificationError is a caller-correctable proof rejection: the seller
// responds 402 with a fresh challenge, and the caller may retry with
// corrected parameters.
type VerificationError struct {
	Code   string
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("payment verification failed (%s): %s", e.Code, e.Reason)
}

// verifyProof checks a decoded proof against the endpoint's declared
// pricing: not expired, asset and chain match exactly, amount covers the
// required price, and the signature is structurally well-formed. Signature
// verification is structural only; cryptographic recovery against the
// declared chain's signing scheme is the deployment's responsibility.
func verifyProof(p wire.Proof, e pricing.Endpoint, checkSignature bool, now time.Time) *VerificationError {
	if p.Expired(now) {
		return &VerificationError{Code: CodeExpired,
			Reason: fmt.Sprintf("proof expired at %d (now %d)", p.Expiry, now.Unix())}
	}
	if !strings.EqualFold(p.Asset, e.AssetAddress) {
		return &VerificationError{Code: CodeAssetMismatch,
			Reason: fmt.Sprintf("proof asset %s does not match required asset %s", p.Asset, e.AssetAddress)}
	}
	if p.Network != pricing.NetworkID(e.ChainID) {
		return &VerificationError{Code: CodeChainMismatch,
			Reason: fmt.Sprintf("proof network %s does not match required network %s", p.Network, pricing.NetworkID(e.ChainID))}
	}

	amount, err := p.AmountBaseUnits()
	if err != nil {
		return &VerificationError{Code: CodeMalformedProof, Reason: err.Error()}
	}
	required := pricing.BaseUnits(e.PriceUSD)
	if amount < required {
		return &VerificationError{Code: CodeAmountInsufficient,
			Reason: fmt.Sprintf("proof amount %d is below required amount %d", amount, required)}
	}

	if checkSignature {
		if err := checkSignatureShape(p.Signature); err != nil {
			return &VerificationError{Code: CodeInvalidSignature, Reason: err.Error()}
		}
	}
	return nil
}

// checkSignatureShape validates that the signature is 0x-prefixed hex of at
// least 64 bytes.
func checkSignatureShape(sig string) error {
	raw, ok := strings.CutPrefix(sig, "0x")
	if !ok {
		return fmt.Errorf("signature missing 0x prefix")
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("signature is not valid hex")
	}
	if len(b) < 64 {
		return fmt.Errorf("signature too short: %d bytes", len(b))
	}
	return nil
}
