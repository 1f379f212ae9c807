package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wardengate/controller/pkg/config"
	"github.com/wardengate/controller/pkg/crypto"
	"github.com/wardengate/controller/pkg/policy"
)

// runPolicySignCmd implements `controllerd policy-sign`: produce the
// detached signature document for config/policy.default.json.
func runPolicySignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy-sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var policyPath, sigPath, keyPath, keyID string
	cmd.StringVar(&policyPath, "policy", "", "path to the policy document (defaults to the configured path)")
	cmd.StringVar(&sigPath, "out", "", "path to write the signature document (defaults to the configured path)")
	cmd.StringVar(&keyPath, "key", "", "path to the signer's raw Ed25519 private key, base64-encoded (REQUIRED)")
	cmd.StringVar(&keyID, "keyid", "", "keyId to embed in the signature (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if keyPath == "" || keyID == "" {
		fmt.Fprintln(stderr, "error: -key and -keyid are required")
		return 2
	}

	cfg := config.Load()
	if policyPath == "" {
		policyPath = cfg.PolicyPath
	}
	if sigPath == "" {
		sigPath = cfg.PolicySignaturePath
	}

	raw, err := os.ReadFile(policyPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	var p policy.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		fmt.Fprintln(stderr, "error: parse policy:", err)
		return 2
	}

	signer, err := loadSigner(keyPath, keyID)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	signingBytes, err := policy.SigningBytes(&p)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	sig, err := signer.Sign(signingBytes)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	doc := policy.Signature{Alg: "ed25519", KeyID: keyID, Sig: sig}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if err := os.WriteFile(sigPath, data, 0o600); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	fmt.Fprintf(stdout, "signed %s -> %s\n", policyPath, sigPath)
	return 0
}

// loadSigner reads a base64-encoded raw Ed25519 private key from path.
func loadSigner(path, keyID string) (*crypto.Ed25519Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key %s: %w", path, err)
	}
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode signing key %s: %w", path, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key %s: want %d bytes, got %d", path, ed25519.PrivateKeySize, len(priv))
	}
	return crypto.NewEd25519SignerFromKey(ed25519.PrivateKey(priv), keyID), nil
}
