// Package pipeline composes the fixed-order gate sequence of §4.11 over
// the canonical serializer, key store, schema validator, nonce store,
// rate limiter, and policy engine, emitting a single Decision.
package pipeline

import (
	"github.com/wardengate/controller/pkg/audit"
	"github.com/wardengate/controller/pkg/crypto"
	"github.com/wardengate/controller/pkg/integrity"
	"github.com/wardengate/controller/pkg/keystore"
	"github.com/wardengate/controller/pkg/nonce"
	"github.com/wardengate/controller/pkg/policy"
	"github.com/wardengate/controller/pkg/proposal"
	"github.com/wardengate/controller/pkg/ratelimit"
	"github.com/wardengate/controller/pkg/reason"
)

// Mode selects which of the run-only gates (rate limit, nonce consumption)
// are exercised. verify and dryrun share the same read-only semantics.
type Mode int

const (
	ModeVerify Mode = iota
	ModeDryrun
	ModeRun
)

// Decision is the pipeline's sole output, per §4.11. Checks records each
// gate's outcome up to the first failure; gates not reached are absent
// from the map, not false.
type Decision struct {
	Valid     bool            `json:"valid"`
	Checks    map[string]bool `json:"checks"`
	Error     reason.Reason   `json:"error,omitempty"`
	Requester *policy.RequesterPolicy `json:"-"`
}

// Pipeline wires the gates together. IntegrityManifestPath and
// IntegrityBaseDir/IntegrityFiles are only consulted when Strict is true.
type Pipeline struct {
	Strict bool

	IntegrityBaseDir      string
	IntegrityManifestPath string
	IntegrityFiles        []string

	Keys        *keystore.Store
	ClockSkewS  int64
	Nonces      *nonce.Store
	RateLimiter *ratelimit.Limiter
	Policy      *policy.Engine

	// Audit receives one DECISION entry per Evaluate call, allow or deny,
	// per §2's "every decision is appended to a tamper-evident ledger".
	// Nil disables auditing (unit tests that don't care about the ledger).
	Audit *audit.Log
}

// Evaluate runs raw through the gated pipeline in the fixed order of
// §4.11. It returns the parsed proposal (nil if schema validation
// failed) along with the Decision. Exactly one audit entry is appended
// for the call, regardless of which gate produced the outcome.
func Evaluate(p *Pipeline, raw []byte, now int64, mode Mode) (prop *proposal.Proposal, d *Decision) {
	d = &Decision{Valid: true, Checks: map[string]bool{}}
	defer func() { p.recordDecision(prop, d, now) }()

	if p.Strict {
		if r := p.checkIntegrity(now); r != "" {
			d.Checks["integrity"] = false
			return nil, deny(d, r)
		}
		d.Checks["integrity"] = true
	}

	var verr *proposal.ValidationError
	prop, verr = proposal.Validate(raw)
	if verr != nil {
		d.Checks["schema"] = false
		return nil, deny(d, verr.Reason)
	}
	d.Checks["schema"] = true

	key, kreason := p.Keys.Resolve(prop.Signature.KeyID, prop.RequesterID, now)
	if kreason != "" {
		d.Checks["keyId"] = false
		return prop, deny(d, kreason)
	}
	d.Checks["keyId"] = true

	skew := p.ClockSkewS
	if skew == 0 {
		skew = 300
	}
	delta := now - prop.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		d.Checks["timestamp"] = false
		return prop, deny(d, reason.TimestampSkewExceeded)
	}
	d.Checks["timestamp"] = true

	signingBytes, serr := prop.SigningBytes()
	if serr != nil || !crypto.VerifyDetached(key.PublicKey, prop.Signature.Sig, signingBytes) {
		d.Checks["signature"] = false
		return prop, deny(d, reason.SignatureInvalid)
	}
	d.Checks["signature"] = true

	// The policy document must be loaded to source a requester's
	// rate-limit override, but its signature/monotonicity verdict and
	// the requester/adapter/command authorization are only reported
	// under the "policy" gate, evaluated last, per §4.11 step 8. A
	// preflight failure here leaves no policy to read limits from, so
	// the rate gate runs on the fallback capacity/refill (see rateConfig)
	// rather than being skipped, matching the literal gate order (6, 7
	// precede 8).
	pol, preflightReason := p.Policy.Preflight(now)
	var rp *policy.RequesterPolicy
	var authReason reason.Reason
	if preflightReason == "" {
		rp, authReason = policy.Authorize(pol, prop)
	}

	if mode == ModeRun {
		capacity, refill := rateConfig(pol, rp)
		allowed, rerr := p.RateLimiter.Allow(prop.RequesterID, capacity, refill, now)
		if rerr != nil || !allowed {
			d.Checks["rate"] = false
			return prop, deny(d, reason.RateLimitExceeded)
		}
		d.Checks["rate"] = true

		ok, nerr := p.Nonces.Consume(prop.SessionID, prop.Nonce, now)
		if nerr != nil || !ok {
			d.Checks["nonce"] = false
			return prop, deny(d, reason.ReplayDetected)
		}
		d.Checks["nonce"] = true
	} else {
		seen, nerr := p.Nonces.Seen(prop.SessionID, prop.Nonce)
		if nerr != nil || seen {
			d.Checks["nonce"] = false
			return prop, deny(d, reason.ReplayDetected)
		}
		d.Checks["nonce"] = true
	}

	if preflightReason != "" {
		d.Checks["policy"] = false
		return prop, deny(d, preflightReason)
	}
	if authReason != "" {
		d.Checks["policy"] = false
		return prop, deny(d, authReason)
	}
	d.Checks["policy"] = true
	d.Requester = rp
	return prop, d
}

// recordDecision appends a DECISION entry for the outcome of one Evaluate
// call. It is best-effort: a ledger write failure must not change the
// gate verdict the caller already computed, matching dispatch.go's own
// best-effort audit append.
func (p *Pipeline) recordDecision(prop *proposal.Proposal, d *Decision, now int64) {
	if p.Audit == nil {
		return
	}
	var commandID string
	if prop != nil {
		commandID = prop.CommandID
	}
	decision := "DENY"
	if d.Valid {
		decision = "ALLOW"
	}
	_, _ = p.Audit.Append(audit.Entry{
		Timestamp: now,
		Type:      "DECISION",
		CommandID: commandID,
		Decision:  decision,
		Reason:    string(d.Error),
		Checks:    d.Checks,
	})
}

func deny(d *Decision, r reason.Reason) *Decision {
	d.Valid = false
	d.Error = r
	return d
}

func (p *Pipeline) checkIntegrity(now int64) reason.Reason {
	m, err := integrity.Load(p.IntegrityManifestPath)
	if err != nil {
		return reason.IntegrityFail
	}
	return integrity.Verify(p.IntegrityBaseDir, m, p.IntegrityFiles, p.Keys, now)
}

// fallbackRateCapacity/-Refill stand in whenever no real capacity was
// ever configured for this request: either the policy document itself
// failed preflight (pol == nil, so no default exists to fall back to),
// or the requester has no rateLimit override and the policy's own
// security.defaultRateLimit was left at its zero value. A
// request-scoped rate bucket is still evaluated per gate order (§4.11
// steps 6-8) in both cases, but it must not be starved to zero, or
// RATE_LIMIT_EXCEEDED would mask whatever gate 8 (policy preflight or
// authorization) is about to actually report.
const (
	fallbackRateCapacity = 60
	fallbackRateRefill   = 1
)

func rateConfig(pol *policy.Policy, rp *policy.RequesterPolicy) (capacity, refill float64) {
	if rp != nil && rp.RateLimit != nil {
		return rp.RateLimit.Capacity, rp.RateLimit.RefillPerSecond
	}
	if pol != nil && pol.Security.DefaultRateLimit.Capacity > 0 {
		return pol.Security.DefaultRateLimit.Capacity, pol.Security.DefaultRateLimit.RefillPerSecond
	}
	return fallbackRateCapacity, fallbackRateRefill
}
