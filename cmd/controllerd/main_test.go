package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wardengate/controller/pkg/audit"
	"github.com/wardengate/controller/pkg/canonicalize"
)

// fixture lays out config/ and data/ under a temp dir with a signed
// policy, a trusted key, and points CONTROLLER_* env vars at it.
type fixture struct {
	dir     string
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	keyID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		t.Fatal(err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	keyID := "signer-1"

	keysDoc := map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"keyId":     keyID,
				"publicKey": base64.StdEncoding.EncodeToString(pub),
				"notBefore": 0,
				"expiresAt": int64(1) << 40,
			},
		},
	}
	writeJSON(t, filepath.Join(configDir, "keys.json"), keysDoc)

	pol := map[string]interface{}{
		"version":   1,
		"createdAt": 1,
		"default":   "DENY",
		"requesters": map[string]interface{}{
			"agent:gpt": map[string]interface{}{
				"allowAdapters": []string{"noop"},
				"allowCommands": []string{"RUN_SHELL"},
			},
		},
		"security": map[string]interface{}{
			"clockSkewSeconds": 300,
			"defaultRateLimit": map[string]interface{}{"capacity": 100, "refillPerSecond": 10},
		},
	}
	writeJSON(t, filepath.Join(configDir, "policy.default.json"), pol)

	canon, err := canonicalize.JCS(mustFieldsOnly(pol))
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(priv, canon)
	sigDoc := map[string]interface{}{
		"alg":   "ed25519",
		"keyId": keyID,
		"sig":   base64.StdEncoding.EncodeToString(sig),
	}
	writeJSON(t, filepath.Join(configDir, "policy.sig.json"), sigDoc)

	t.Setenv("CONTROLLER_CONFIG_DIR", configDir)
	t.Setenv("CONTROLLER_DATA_DIR", dataDir)
	t.Setenv("CONTROLLER_INSTALL_DIR", dir)
	t.Setenv("CONTROLLER_STRICT", "false")
	t.Setenv("CONTROLLER_CLOCK_SKEW_SECONDS", "300")

	return &fixture{dir: dir, pub: pub, priv: priv, keyID: keyID}
}

// mustFieldsOnly copies exactly the five top-level fields policy.Policy
// declares into a fresh map (key order is irrelevant, JCS sorts keys), so
// the fixture's hand-built signature matches what pkg/policy.SigningBytes
// produces.
func mustFieldsOnly(pol map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"version":    pol["version"],
		"createdAt":  pol["createdAt"],
		"default":    pol["default"],
		"requesters": pol["requesters"],
		"security":   pol["security"],
	}
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) writeProposal(t *testing.T, path string, now int64) {
	t.Helper()
	p := map[string]interface{}{
		"id":          "RUN_SHELL",
		"commandId":   "cmd-1",
		"requesterId": "agent:gpt",
		"sessionId":   "s1",
		"timestamp":   now,
		"nonce":       strings.Repeat("a", 64),
		"risk":        "LOW",
		"payload":     map[string]interface{}{"adapter": "noop"},
	}
	canon, err := canonicalize.JCS(p)
	if err != nil {
		t.Fatal(err)
	}
	sig := ed25519.Sign(f.priv, canon)
	p["signature"] = map[string]interface{}{
		"alg":   "ed25519",
		"keyId": f.keyID,
		"sig":   base64.StdEncoding.EncodeToString(sig),
	}
	writeJSON(t, path, p)
}

func TestRunUnknownCommandReturnsConfigError(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"controllerd", "bogus"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunHelpSucceeds(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"controllerd", "help"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if !strings.Contains(out.String(), "verify") {
		t.Fatal("expected usage text to mention verify")
	}
}

func TestVerifyAndRunHappyPath(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()

	propPath := filepath.Join(f.dir, "proposal.json")
	f.writeProposal(t, propPath, now)

	var out, errOut bytes.Buffer
	code := Run([]string{"controllerd", "verify", "-proposal", propPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("verify failed: code=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"status": "valid"`) {
		t.Fatalf("expected valid status, got %s", out.String())
	}

	out.Reset()
	errOut.Reset()
	code = Run([]string{"controllerd", "run", "-proposal", propPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run failed: code=%d stderr=%s", code, errOut.String())
	}

	entries, err := audit.ReadAll(filepath.Join(f.dir, "data", "audit.log.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var decisions, executions int
	for _, e := range entries {
		switch e.Type {
		case "DECISION":
			decisions++
			if e.Decision != "ALLOW" {
				t.Fatalf("expected ALLOW decision entries, got %+v", e)
			}
		case "EXECUTED":
			executions++
		}
	}
	// verify + run each evaluate the same proposal, so two DECISION
	// entries are expected; only run dispatches, so one EXECUTED entry.
	if decisions != 2 {
		t.Fatalf("expected 2 DECISION entries, got %d (entries=%+v)", decisions, entries)
	}
	if executions != 1 {
		t.Fatalf("expected 1 EXECUTED entry, got %d (entries=%+v)", executions, entries)
	}
	if err := audit.VerifyChain(filepath.Join(f.dir, "data", "audit.log.jsonl")); err != nil {
		t.Fatalf("audit chain verification failed: %v", err)
	}
}

func TestVerifyDeniedProposalWritesDecisionEntry(t *testing.T) {
	f := newFixture(t)
	now := time.Now().Unix()

	propPath := filepath.Join(f.dir, "proposal.json")
	f.writeProposal(t, propPath, now)

	// Corrupt the signed proposal so every gate it must pass to be
	// allowed fails at the signature gate instead.
	raw, err := os.ReadFile(propPath)
	if err != nil {
		t.Fatal(err)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatal(err)
	}
	generic["payload"].(map[string]interface{})["adapter"] = "shell"
	writeJSON(t, propPath, generic)

	var out, errOut bytes.Buffer
	code := Run([]string{"controllerd", "verify", "-proposal", propPath}, &out, &errOut)
	if code == 0 {
		t.Fatalf("expected a nonzero exit code for a denied proposal, got 0 (stdout=%s)", out.String())
	}

	entries, err := audit.ReadAll(filepath.Join(f.dir, "data", "audit.log.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry for the denied verify, got %d: %+v", len(entries), entries)
	}
	if entries[0].Type != "DECISION" || entries[0].Decision != "DENY" {
		t.Fatalf("expected a DECISION/DENY entry, got %+v", entries[0])
	}
	if entries[0].Reason != "SIGNATURE_INVALID" {
		t.Fatalf("expected SIGNATURE_INVALID reason, got %+v", entries[0])
	}
}

func TestRunRejectsMissingProposalFlag(t *testing.T) {
	newFixture(t)
	var out, errOut bytes.Buffer
	code := Run([]string{"controllerd", "verify"}, &out, &errOut)
	if code != 2 {
		t.Fatalf("got code %d, want 2", code)
	}
}

func TestHealthCommandReportsOK(t *testing.T) {
	newFixture(t)
	var out, errOut bytes.Buffer
	code := Run([]string{"controllerd", "health"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("health failed: code=%d stdout=%s stderr=%s", code, out.String(), errOut.String())
	}
}
