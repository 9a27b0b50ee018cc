package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
)

// Verifier defines the interface for signature verification.
type Verifier interface {
	Verify(message []byte, signature []byte) bool
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a new verifier.
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

// NewEd25519VerifierFromHex parses a hex-encoded public key from a committee file.
func NewEd25519VerifierFromHex(pubKeyHex string) (*Ed25519Verifier, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(pubKeyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return NewEd25519Verifier(raw)
}

func (v *Ed25519Verifier) Verify(message []byte, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(v.PublicKey, message, signature)
}
