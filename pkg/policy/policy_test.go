package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/wardengate/controller/pkg/crypto"
	"github.com/wardengate/controller/pkg/keystore"
	"github.com/wardengate/controller/pkg/proposal"
	"github.com/wardengate/controller/pkg/reason"
)

func setupEngine(t *testing.T, strict bool) (*Engine, *crypto.Ed25519Signer) {
	t.Helper()
	dir := t.TempDir()

	signer, err := crypto.NewEd25519Signer("signer-1")
	if err != nil {
		t.Fatal(err)
	}

	keysPath := filepath.Join(dir, "keys.json")
	keysDoc := map[string]interface{}{
		"keys": []map[string]interface{}{
			{
				"keyId":     "signer-1",
				"publicKey": signer.PublicKeyBase64(),
				"notBefore": 0,
				"expiresAt": 1 << 40,
			},
		},
	}
	data, _ := json.Marshal(keysDoc)
	os.WriteFile(keysPath, data, 0o600)

	return &Engine{
		PolicyPath:    filepath.Join(dir, "policy.default.json"),
		SignaturePath: filepath.Join(dir, "policy.sig.json"),
		StatePath:     filepath.Join(dir, "policy.state.json"),
		Strict:        strict,
		Keys:          keystore.New(keysPath),
	}, signer
}

func writePolicy(t *testing.T, e *Engine, signer *crypto.Ed25519Signer, p *Policy) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(e.PolicyPath, data, 0o600)

	signingBytes, err := SigningBytes(p)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signer.Sign(signingBytes)
	if err != nil {
		t.Fatal(err)
	}
	sigDoc := Signature{Alg: "ed25519", KeyID: "signer-1", Sig: sig}
	sigData, _ := json.Marshal(sigDoc)
	os.WriteFile(e.SignaturePath, sigData, 0o600)
}

func basePolicy(version, createdAt int64) *Policy {
	return &Policy{
		Version:   version,
		CreatedAt: createdAt,
		Default:   "DENY",
		Requesters: map[string]RequesterPolicy{
			"agent:gpt": {
				AllowAdapters: []string{"noop"},
				AllowCommands: []string{"RUN_SHELL"},
			},
		},
		Security: Security{ClockSkewSeconds: 300},
	}
}

func TestPreflightAcceptsValidSignedPolicy(t *testing.T) {
	e, signer := setupEngine(t, true)
	writePolicy(t, e, signer, basePolicy(1, 100))

	p, r := e.Preflight(1000)
	if r != "" {
		t.Fatalf("unexpected reason %q", r)
	}
	if p.Version != 1 {
		t.Fatalf("got version %d", p.Version)
	}
}

func TestPreflightMissingSignatureStrict(t *testing.T) {
	e, _ := setupEngine(t, true)
	data, _ := json.Marshal(basePolicy(1, 100))
	os.WriteFile(e.PolicyPath, data, 0o600)

	_, r := e.Preflight(1000)
	if r != reason.PolicySignatureMissing {
		t.Fatalf("got %q, want POLICY_SIGNATURE_MISSING", r)
	}
}

func TestPreflightRejectsVersionRegression(t *testing.T) {
	e, signer := setupEngine(t, true)
	writePolicy(t, e, signer, basePolicy(2, 200))
	if _, r := e.Preflight(1000); r != "" {
		t.Fatalf("unexpected reason accepting v2: %q", r)
	}

	writePolicy(t, e, signer, basePolicy(1, 200))
	if _, r := e.Preflight(1000); r != reason.PolicyVersionRegression {
		t.Fatalf("got %q, want POLICY_VERSION_REGRESSION", r)
	}
}

func TestPreflightRejectsCreatedAtRegression(t *testing.T) {
	e, signer := setupEngine(t, true)
	writePolicy(t, e, signer, basePolicy(2, 200))
	if _, r := e.Preflight(1000); r != "" {
		t.Fatalf("unexpected reason: %q", r)
	}

	writePolicy(t, e, signer, basePolicy(2, 100))
	if _, r := e.Preflight(1000); r != reason.PolicyCreatedAtRegression {
		t.Fatalf("got %q, want POLICY_CREATEDAT_REGRESSION", r)
	}
}

func TestAuthorizeDenyByDefault(t *testing.T) {
	p := basePolicy(1, 1)
	prop := &proposal.Proposal{
		ID:          "RUN_SHELL",
		RequesterID: "unknown-agent",
		Payload:     map[string]interface{}{"adapter": "noop"},
	}
	if _, r := Authorize(p, prop); r != reason.RequesterNotAllowed {
		t.Fatalf("got %q, want REQUESTER_NOT_ALLOWED", r)
	}
}

func TestAuthorizeAdapterAndCommandAllowlist(t *testing.T) {
	p := basePolicy(1, 1)
	prop := &proposal.Proposal{
		ID:          "RUN_SHELL",
		RequesterID: "agent:gpt",
		Payload:     map[string]interface{}{"adapter": "shell"},
	}
	if _, r := Authorize(p, prop); r != reason.AdapterNotAllowed {
		t.Fatalf("got %q, want ADAPTER_NOT_ALLOWED", r)
	}

	prop.Payload["adapter"] = "noop"
	prop.ID = "OTHER_CMD"
	if _, r := Authorize(p, prop); r != reason.CommandNotAllowed {
		t.Fatalf("got %q, want COMMAND_NOT_ALLOWED", r)
	}

	prop.ID = "RUN_SHELL"
	if _, r := Authorize(p, prop); r != "" {
		t.Fatalf("unexpected reason %q", r)
	}
}

func TestAuthorizeEnforcesPayloadSchema(t *testing.T) {
	p := basePolicy(1, 1)
	rp := p.Requesters["agent:gpt"]
	rp.PayloadSchemas = map[string]json.RawMessage{
		"noop": json.RawMessage(`{
			"type": "object",
			"required": ["adapter", "target"],
			"properties": {"target": {"type": "string"}}
		}`),
	}
	p.Requesters["agent:gpt"] = rp

	prop := &proposal.Proposal{
		ID:          "RUN_SHELL",
		RequesterID: "agent:gpt",
		Payload:     map[string]interface{}{"adapter": "noop"},
	}
	if _, r := Authorize(p, prop); r != reason.AdapterNotAllowed {
		t.Fatalf("got %q, want ADAPTER_NOT_ALLOWED for missing required field", r)
	}

	prop.Payload["target"] = "host-1"
	if _, r := Authorize(p, prop); r != "" {
		t.Fatalf("unexpected reason %q", r)
	}
}
