// Package signer wraps the opaque signing capability the payer uses to
// authorize charges. The concrete chain signing scheme is out of scope; the
// seller verifies signatures structurally.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"github.com/rotisserie/eris"
)

// Signer authorizes a canonical challenge message.
type Signer interface {
	// Address returns the payer's payment address.
	Address() string
	// Sign signs the canonical challenge message, returning a hex signature.
	Sign(ctx context.Context, msg []byte) (string, error)
}

// Local signs with an in-process ed25519 key derived from a configured seed.
// It is a development-grade capability; a production deployment substitutes a
// wallet or KMS-backed implementation.
type Local struct {
	key     ed25519.PrivateKey
	address string
}

// NewLocal builds a Local signer from a 32-byte hex seed.
func NewLocal(seedHex string) (*Local, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, eris.Wrap(err, "signer: decode seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, eris.Errorf("signer: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)

	// Address is a 20-byte digest of the public key, hex with 0x prefix.
	sum := sha256.Sum256(key.Public().(ed25519.PublicKey))
	return &Local{
		key:     key,
		address: "0x" + hex.EncodeToString(sum[:20]),
	}, nil
}

func (l *Local) Address() string { return l.address }

func (l *Local) Sign(_ context.Context, msg []byte) (string, error) {
	return "0x" + hex.EncodeToString(ed25519.Sign(l.key, msg)), nil
}

// PublicKey exposes the verification key for tests.
func (l *Local) PublicKey() ed25519.PublicKey {
	return l.key.Public().(ed25519.PublicKey)
}
