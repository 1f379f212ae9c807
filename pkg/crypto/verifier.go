package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
)

// Verifier checks a detached Ed25519 signature over arbitrary bytes.
type Verifier interface {
	Verify(message, signature []byte) bool
}

// Ed25519Verifier implements Verifier using Ed25519.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// NewEd25519Verifier creates a new verifier from a raw public key.
func NewEd25519Verifier(pubKeyBytes []byte) (*Ed25519Verifier, error) {
	if len(pubKeyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size: %d", len(pubKeyBytes))
	}
	return &Ed25519Verifier{PublicKey: ed25519.PublicKey(pubKeyBytes)}, nil
}

func (v *Ed25519Verifier) Verify(message, signature []byte) bool {
	return ed25519.Verify(v.PublicKey, message, signature)
}

// VerifyDetached verifies a base64-encoded signature and public key over
// data, collapsing every failure mode — bad base64, wrong key length, bad
// signature — into a single boolean. Per §4.3 the caller must not leak
// the parse-vs-verify distinction; the only failure reason is
// SIGNATURE_INVALID.
func VerifyDetached(pubKeyB64, sigB64 string, data []byte) bool {
	pubKey, err := base64.StdEncoding.DecodeString(pubKeyB64)
	if err != nil || len(pubKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig)
}
