// Package integrity verifies the controller's own source files against a
// signed manifest, the strict-mode preflight gate of §4.9.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/wardengate/controller/pkg/canonicalize"
	"github.com/wardengate/controller/pkg/crypto"
	"github.com/wardengate/controller/pkg/keystore"
	"github.com/wardengate/controller/pkg/reason"
)

// FileHash is one manifest entry.
type FileHash struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Signature is a detached signature over the manifest's file list.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"keyId"`
	Sig   string `json:"sig"`
}

// Manifest is the controller-integrity manifest of §3.
type Manifest struct {
	Files     []FileHash `json:"files"`
	Signature *Signature `json:"signature,omitempty"`
}

// Generate computes the manifest for the given root-relative file paths,
// read from baseDir.
func Generate(baseDir string, paths []string) (*Manifest, error) {
	files := make([]FileHash, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(baseDir + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("integrity: read %s: %w", p, err)
		}
		sum := sha256.Sum256(data)
		files = append(files, FileHash{Path: p, SHA256: hex.EncodeToString(sum[:])})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return &Manifest{Files: files}, nil
}

// SigningBytes returns the canonical bytes a manifest's file list is
// signed over, excluding the signature field itself.
func SigningBytes(m *Manifest) ([]byte, error) {
	return canonicalize.JCS(m.Files)
}

// Sign attaches a detached signature over m.Files using signer.
func Sign(m *Manifest, signer crypto.Signer) error {
	b, err := SigningBytes(m)
	if err != nil {
		return err
	}
	sig, err := signer.Sign(b)
	if err != nil {
		return err
	}
	m.Signature = &Signature{Alg: "ed25519", KeyID: signer.KeyID(), Sig: sig}
	return nil
}

// Load reads a manifest document from path.
func Load(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("integrity: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("integrity: parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Verify computes SHA-256 of each file listed in the manifest and
// compares it against the recorded hash. Any mismatch, missing file, or
// extra file present on disk but absent from the manifest fails with
// INTEGRITY_FAIL. If the manifest carries a signature, it is also
// checked against keys.
func Verify(baseDir string, m *Manifest, diskPaths []string, keys *keystore.Store, now int64) reason.Reason {
	if m.Signature != nil {
		key, kreason := keys.ResolveLifecycle(m.Signature.KeyID, now)
		if kreason != "" {
			return reason.IntegrityFail
		}
		signingBytes, err := SigningBytes(m)
		if err != nil {
			return reason.IntegrityFail
		}
		if !crypto.VerifyDetached(key.PublicKey, m.Signature.Sig, signingBytes) {
			return reason.IntegrityFail
		}
	}

	expected := make(map[string]string, len(m.Files))
	for _, f := range m.Files {
		expected[f.Path] = f.SHA256
	}

	seen := make(map[string]bool, len(diskPaths))
	for _, p := range diskPaths {
		seen[p] = true
		data, err := os.ReadFile(baseDir + "/" + p)
		if err != nil {
			return reason.IntegrityFail
		}
		sum := sha256.Sum256(data)
		want, ok := expected[p]
		if !ok || hex.EncodeToString(sum[:]) != want {
			return reason.IntegrityFail
		}
	}
	for p := range expected {
		if !seen[p] {
			return reason.IntegrityFail
		}
	}
	return ""
}
