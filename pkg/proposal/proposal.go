// Package proposal defines the signed action envelope submitted by
// untrusted clients and its structural validation.
package proposal

import (
	"bytes"
	"encoding/json"
	"regexp"

	"github.com/wardengate/controller/pkg/canonicalize"
	"github.com/wardengate/controller/pkg/reason"
)

// Risk is the declared risk tier of a proposal.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// Signature is the detached signature block carried by a Proposal.
//
// Invariant: this field is never part of the bytes it signs.
type Signature struct {
	Alg   string `json:"alg"`
	KeyID string `json:"keyId"`
	Sig   string `json:"sig"`
}

// Proposal is the signed envelope described in §3.
type Proposal struct {
	ID          string                 `json:"id"`
	CommandID   string                 `json:"commandId"`
	RequesterID string                 `json:"requesterId"`
	SessionID   string                 `json:"sessionId"`
	Timestamp   int64                  `json:"timestamp"`
	Nonce       string                 `json:"nonce"`
	Requires    []string               `json:"requires,omitempty"`
	Risk        Risk                   `json:"risk"`
	Payload     map[string]interface{} `json:"payload"`
	Signature   Signature              `json:"signature"`
	TraceID     string                 `json:"traceId,omitempty"`
}

var nonceRe = regexp.MustCompile(`^[0-9a-f]{32,}$`)

// ValidationError pairs the offending field with the stable reason.
type ValidationError struct {
	Field  string
	Reason reason.Reason
}

func (e *ValidationError) Error() string {
	return string(e.Reason) + ": " + e.Field
}

var knownFields = map[string]bool{
	"id": true, "commandId": true, "requesterId": true, "sessionId": true,
	"timestamp": true, "nonce": true, "requires": true, "risk": true,
	"payload": true, "signature": true, "traceId": true,
}

// Validate performs the strict structural check of §4.4: every required
// field present with the correct shape, no unknown top-level fields, no
// empty payload. It reports the first violated rule and stops — there is
// no partial acceptance.
func Validate(raw []byte) (*Proposal, *ValidationError) {
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, &ValidationError{Field: "$", Reason: reason.ParseError}
	}

	for k := range generic {
		if !knownFields[k] {
			return nil, &ValidationError{Field: k, Reason: reason.SchemaError}
		}
	}

	// Decode with UseNumber so any integer payload field survives into
	// SigningBytes with its exact text intact — a plain Unmarshal would
	// round large payload integers through float64 before canonicalize.JCS
	// ever sees them, making this implementation's signing bytes diverge
	// from one that kept the original integer text.
	var p Proposal
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, &ValidationError{Field: "$", Reason: reason.SchemaError}
	}

	if p.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: reason.SchemaError}
	}
	if p.CommandID == "" {
		return nil, &ValidationError{Field: "commandId", Reason: reason.SchemaError}
	}
	if p.RequesterID == "" {
		return nil, &ValidationError{Field: "requesterId", Reason: reason.SchemaError}
	}
	if p.SessionID == "" {
		return nil, &ValidationError{Field: "sessionId", Reason: reason.SchemaError}
	}
	if _, ok := generic["timestamp"].(float64); !ok {
		return nil, &ValidationError{Field: "timestamp", Reason: reason.SchemaError}
	}
	if !nonceRe.MatchString(p.Nonce) {
		return nil, &ValidationError{Field: "nonce", Reason: reason.SchemaError}
	}
	switch p.Risk {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		return nil, &ValidationError{Field: "risk", Reason: reason.SchemaError}
	}
	if len(p.Payload) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: reason.SchemaError}
	}
	if _, ok := p.Payload["adapter"]; !ok {
		return nil, &ValidationError{Field: "payload.adapter", Reason: reason.SchemaError}
	}
	if p.Signature.Alg == "" || p.Signature.KeyID == "" || p.Signature.Sig == "" {
		return nil, &ValidationError{Field: "signature", Reason: reason.SchemaError}
	}

	return &p, nil
}

// Adapter returns the adapter name declared in the payload. Validate must
// have already confirmed its presence.
func (p *Proposal) Adapter() string {
	a, _ := p.Payload["adapter"].(string)
	return a
}

// SigningBytes returns the canonical bytes signed by the client: the
// proposal with the signature field stripped, per §4.1's invariant that
// the signature is never part of the signed bytes.
func (p *Proposal) SigningBytes() ([]byte, error) {
	clone := *p
	clone.Signature = Signature{}
	b, err := json.Marshal(clone)
	if err != nil {
		return nil, err
	}
	// UseNumber here too: clone.Payload may already hold json.Number values
	// from Validate's decode, and a plain Unmarshal would round them
	// through float64 before canonicalize.JCS ever sees them.
	var generic map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	delete(generic, "signature")
	return canonicalize.JCS(generic)
}
