// Package crypto implements the Ed25519 signing and verification
// primitives used to sign and verify proposals, policy documents, and
// integrity manifests.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Signer produces detached Ed25519 signatures over canonical bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	KeyID() string
	PublicKeyBase64() string
	PublicKeyBytes() []byte
}

// Ed25519Signer is the default Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	keyID   string
}

// NewEd25519Signer generates a fresh Ed25519 keypair for keyID.
func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, keyID: keyID}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		keyID:   keyID,
	}
}

// Sign returns the base64 (standard) encoding of the Ed25519 signature
// over data, matching the Proposal.signature.sig encoding required by §3.
func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

func (s *Ed25519Signer) KeyID() string { return s.keyID }

func (s *Ed25519Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.pubKey }

// PrivateKeyBytes exposes the raw private key for persistence by CLI
// key-generation tooling. Callers outside this package should treat the
// result as a secret.
func (s *Ed25519Signer) PrivateKeyBytes() []byte { return s.privKey }
