package payer

import (
	"fmt"

	"github.com/sells-group/paygate/internal/model"
	"github.com/sells-group/paygate/internal/wire"
)

// ProtocolError means the seller advertised a 402 but the challenge was
// missing or undecodable. Not retryable; the seller is speaking a different
// dialect.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("payer: unusable payment challenge: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// PolicyBlockedError means the local policy refused the payment (or auto-pay
// is disabled). It carries the full decision and the challenge so callers
// can inspect exactly which rule blocked and what the seller asked for.
type PolicyBlockedError struct {
	Decision  model.PolicyDecision
	Challenge *wire.Challenge
}

func (e *PolicyBlockedError) Error() string {
	return fmt.Sprintf("payer: payment blocked by policy rule %s: %s", e.Decision.RuleID, e.Decision.Reason)
}

// VerificationError means the seller rejected a submitted proof and re-issued
// a challenge. The retry budget decides whether the payer tries again.
type VerificationError struct {
	Code      string
	Reason    string
	Challenge *wire.Challenge
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("payer: seller rejected proof (%s): %s", e.Code, e.Reason)
}

// ReplayError means the seller reported the proof's nonce as already spent.
// Never retried with the same proof.
type ReplayError struct {
	Nonce string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("payer: nonce %s already spent at seller", e.Nonce)
}

// TransportError wraps a network-level failure after retries were exhausted.
type TransportError struct {
	Err      error
	Attempts int
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("payer: transport failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
