// Package policy implements the deny-by-default authorization engine,
// signed-policy verification, and monotonic version binding of §4.8.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardengate/controller/pkg/canonicalize"
	"github.com/wardengate/controller/pkg/crypto"
	"github.com/wardengate/controller/pkg/filelock"
	"github.com/wardengate/controller/pkg/keystore"
	"github.com/wardengate/controller/pkg/proposal"
	"github.com/wardengate/controller/pkg/reason"
)

// RateLimitConfig is a token-bucket capacity/refill-rate pair.
type RateLimitConfig struct {
	Capacity        float64 `json:"capacity"`
	RefillPerSecond float64 `json:"refillPerSecond"`
}

// FilesystemConstraints restricts the working-directory roots a proposal
// may declare.
type FilesystemConstraints struct {
	Roots        []string `json:"roots,omitempty"`
	DenyPatterns []string `json:"denyPatterns,omitempty"`
}

// ExecConstraints restricts the executable names a proposal may declare.
type ExecConstraints struct {
	AllowCmds []string `json:"allowCmds,omitempty"`
	DenyCmds  []string `json:"denyCmds,omitempty"`
}

// RequesterPolicy is one requester's entry in the policy document.
type RequesterPolicy struct {
	AllowAdapters []string               `json:"allowAdapters"`
	AllowCommands []string               `json:"allowCommands"`
	Filesystem    *FilesystemConstraints `json:"filesystem,omitempty"`
	Exec          *ExecConstraints       `json:"exec,omitempty"`
	RateLimit     *RateLimitConfig       `json:"rateLimit,omitempty"`

	// (ADDED) optional per-adapter JSON Schema pinning the proposal's
	// payload must additionally satisfy; see SPEC_FULL §4.8. Keyed by
	// adapter name.
	PayloadSchemas map[string]json.RawMessage `json:"payloadSchemas,omitempty"`
}

// Security holds clock-skew tolerance and the global default rate limit.
type Security struct {
	ClockSkewSeconds int64           `json:"clockSkewSeconds"`
	DefaultRateLimit RateLimitConfig `json:"defaultRateLimit"`
}

// Policy is the signed policy document of §3.
type Policy struct {
	Version    int64                       `json:"version"`
	CreatedAt  int64                       `json:"createdAt"`
	Default    string                      `json:"default"`
	Requesters map[string]RequesterPolicy  `json:"requesters"`
	Security   Security                    `json:"security"`
}

// Signature is the detached signature carried in config/policy.sig.json.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"keyId"`
	Sig   string `json:"sig"`
}

// State is the durable PolicyState of §3, mutated only after a successful
// monotonicity-satisfying preflight.
type State struct {
	LastAcceptedVersion   int64 `json:"lastAcceptedVersion"`
	LastAcceptedCreatedAt int64 `json:"lastAcceptedCreatedAt"`
}

// Engine loads the policy document, enforces its signature and
// monotonicity, and authorizes individual proposals against it.
type Engine struct {
	PolicyPath    string
	SignaturePath string
	StatePath     string
	Strict        bool
	Keys          *keystore.Store
	PolicySignerKeyID string
}

// SigningBytes returns the canonical bytes a policy document is signed
// over.
func SigningBytes(p *Policy) ([]byte, error) {
	return canonicalize.JCS(p)
}

func (e *Engine) lockPath() string { return e.StatePath + ".lock" }

func (e *Engine) loadState() (State, error) {
	raw, err := os.ReadFile(e.StatePath)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("policy: read state %s: %w", e.StatePath, err)
	}
	if len(raw) == 0 {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, fmt.Errorf("policy: parse state %s: %w", e.StatePath, err)
	}
	return s, nil
}

func (e *Engine) saveState(s State) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return filelock.WriteFileAtomic(e.StatePath, data, 0o600)
}

// Preflight loads the policy document and its detached signature,
// verifies the signature against the policy-signer key, and enforces
// monotonicity against durable PolicyState. On success the state is
// updated atomically and the loaded Policy is returned.
func (e *Engine) Preflight(now int64) (*Policy, reason.Reason) {
	raw, err := os.ReadFile(e.PolicyPath)
	if err != nil {
		return nil, reason.ParseError
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, reason.ParseError
	}

	sigRaw, err := os.ReadFile(e.SignaturePath)
	if err != nil {
		if e.Strict {
			return nil, reason.PolicySignatureMissing
		}
	} else {
		var sig Signature
		if jerr := json.Unmarshal(sigRaw, &sig); jerr != nil {
			return nil, reason.PolicySignatureInvalid
		}
		key, kreason := e.Keys.ResolveLifecycle(sig.KeyID, now)
		if kreason != "" {
			return nil, reason.PolicySignatureInvalid
		}
		signingBytes, jerr := SigningBytes(&p)
		if jerr != nil {
			return nil, reason.PolicySignatureInvalid
		}
		if !crypto.VerifyDetached(key.PublicKey, sig.Sig, signingBytes) {
			return nil, reason.PolicySignatureInvalid
		}
	}

	var result reason.Reason
	err = filelock.WithLock(e.lockPath(), func() error {
		state, serr := e.loadState()
		if serr != nil {
			return serr
		}
		if p.Version < state.LastAcceptedVersion {
			result = reason.PolicyVersionRegression
			return nil
		}
		if p.CreatedAt < state.LastAcceptedCreatedAt {
			result = reason.PolicyCreatedAtRegression
			return nil
		}
		if p.Version > state.LastAcceptedVersion || p.CreatedAt > state.LastAcceptedCreatedAt {
			return e.saveState(State{LastAcceptedVersion: p.Version, LastAcceptedCreatedAt: p.CreatedAt})
		}
		return nil
	})
	if err != nil {
		return nil, reason.ParseError
	}
	if result != "" {
		return nil, result
	}
	return &p, ""
}

// Authorize evaluates the §4.8 authorization rules for an already
// signature-verified proposal. Deny is the default: anything not
// explicitly allowed is denied.
func Authorize(p *Policy, prop *proposal.Proposal) (*RequesterPolicy, reason.Reason) {
	rp, ok := p.Requesters[prop.RequesterID]
	if !ok {
		return nil, reason.RequesterNotAllowed
	}

	adapter := prop.Adapter()
	if !contains(rp.AllowAdapters, adapter) {
		return nil, reason.AdapterNotAllowed
	}
	if !contains(rp.AllowCommands, prop.ID) {
		return nil, reason.CommandNotAllowed
	}

	if rp.Filesystem != nil {
		if cwd, ok := prop.Payload["cwd"].(string); ok {
			if r := checkFilesystem(*rp.Filesystem, cwd); r != "" {
				return nil, r
			}
		}
	}
	if rp.Exec != nil {
		if cmd, ok := prop.Payload["cmd"].(string); ok {
			if r := checkExec(*rp.Exec, cmd); r != "" {
				return nil, r
			}
		}
	}

	if schemaRaw, ok := rp.PayloadSchemas[adapter]; ok {
		if r := checkPayloadSchema(schemaRaw, prop.Payload); r != "" {
			return nil, r
		}
	}

	return &rp, ""
}

// checkPayloadSchema validates the proposal's payload against an
// adapter-pinned JSON Schema, the (ADDED) PayloadSchemas extension of
// §4.8. A schema that fails to compile or a payload that fails
// validation both deny with ADAPTER_NOT_ALLOWED — the schema is a
// tightening of what "allowed for this adapter" means, not a separate
// gate.
func checkPayloadSchema(schemaRaw json.RawMessage, payload map[string]interface{}) reason.Reason {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("payload.json", strings.NewReader(string(schemaRaw))); err != nil {
		return reason.AdapterNotAllowed
	}
	schema, err := compiler.Compile("payload.json")
	if err != nil {
		return reason.AdapterNotAllowed
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return reason.AdapterNotAllowed
	}
	var v interface{}
	if err := json.Unmarshal(payloadJSON, &v); err != nil {
		return reason.AdapterNotAllowed
	}
	if err := schema.Validate(v); err != nil {
		return reason.AdapterNotAllowed
	}
	return ""
}

func checkFilesystem(c FilesystemConstraints, cwd string) reason.Reason {
	for _, deny := range c.DenyPatterns {
		if matchGlob(deny, cwd) {
			return reason.FilesystemNotAllowed
		}
	}
	if len(c.Roots) > 0 {
		for _, root := range c.Roots {
			if strings.HasPrefix(cwd, root) {
				return ""
			}
		}
		return reason.FilesystemNotAllowed
	}
	return ""
}

func checkExec(c ExecConstraints, cmd string) reason.Reason {
	for _, deny := range c.DenyCmds {
		if matchGlob(deny, cmd) {
			return reason.ExecNotAllowed
		}
	}
	if len(c.AllowCmds) > 0 && !contains(c.AllowCmds, cmd) {
		return reason.ExecNotAllowed
	}
	return ""
}

// matchGlob supports a leading or trailing "*" wildcard, the same
// restricted glob idiom used for host allowlisting elsewhere in the
// corpus.
func matchGlob(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(s, pattern[1:])
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	}
	return pattern == s
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
