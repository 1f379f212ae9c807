// Package dispatch invokes the adapter named by an approved proposal and
// records the resulting execution in the audit log, per §4.12.
package dispatch

import (
	"errors"
	"sync"

	"github.com/wardengate/controller/pkg/audit"
	"github.com/wardengate/controller/pkg/policy"
	"github.com/wardengate/controller/pkg/proposal"
	"github.com/wardengate/controller/pkg/reason"
)

// Result is the structured outcome an adapter returns.
type Result struct {
	Success  bool
	ExitCode int
	Output   string
}

// Adapter is the opaque, name-addressed unit the dispatcher invokes. It
// receives the approved proposal and its resolved requester policy and
// never inspects payload structure beyond what schema validation already
// confirmed.
type Adapter func(p *proposal.Proposal, rp *policy.RequesterPolicy) (Result, error)

var errNotRegistered = errors.New("dispatch: adapter not registered")

// Registry is the name -> Adapter lookup table. Adapters are registered
// by the host process; the controller treats them as opaque.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds name to fn, overwriting any prior registration.
func (r *Registry) Register(name string, fn Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = fn
}

// Unregister removes name, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
}

// Get looks up name, returning errNotRegistered when absent.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.adapters[name]
	if !ok {
		return nil, errNotRegistered
	}
	return fn, nil
}

// List returns the registered adapter names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Dispatcher invokes the adapter named by an approved proposal and
// appends the resulting EXECUTED/EXECUTION_FAILED audit entry. It must
// only be called once Decision.Valid is true.
type Dispatcher struct {
	Adapters *Registry
	Audit    *audit.Log
}

// Dispatch looks up payload.adapter in the registry; ADAPTER_NOT_REGISTERED
// is a deployment fault, not a policy fault, and is reported the same way
// as any other denial. On adapter invocation it appends an EXECUTED or
// EXECUTION_FAILED audit entry recording the adapter, status, and exit
// code. If the audit append itself fails, AUDIT_WRITE_FAILED is returned
// regardless of adapter success, because non-repudiation is load-bearing.
func (d *Dispatcher) Dispatch(p *proposal.Proposal, rp *policy.RequesterPolicy, now int64) (Result, reason.Reason) {
	adapterName := p.Adapter()
	fn, err := d.Adapters.Get(adapterName)
	if err != nil {
		d.appendBestEffort(audit.Entry{
			Timestamp: now,
			Type:      "REJECTED",
			CommandID: p.CommandID,
			Decision:  "deny",
			Reason:    string(reason.AdapterNotRegistered),
		})
		return Result{}, reason.AdapterNotRegistered
	}

	result, execErr := fn(p, rp)

	entryType := "EXECUTED"
	decision := "allow"
	entryReason := ""
	if execErr != nil || !result.Success {
		entryType = "EXECUTION_FAILED"
		decision = "deny"
		entryReason = string(reason.AdapterExecutionFailed)
	}

	checks := map[string]bool{"adapter": execErr == nil && result.Success}
	_, auditErr := d.Audit.Append(audit.Entry{
		Timestamp: now,
		Type:      entryType,
		CommandID: p.CommandID,
		Decision:  decision,
		Reason:    entryReason,
		Checks:    checks,
	})
	if auditErr != nil {
		return result, reason.AuditWriteFailed
	}

	if execErr != nil || !result.Success {
		return result, reason.AdapterExecutionFailed
	}
	return result, ""
}

func (d *Dispatcher) appendBestEffort(e audit.Entry) {
	// Audit append is best-effort on the deny path per §7: failure to
	// append does not change the user-visible decision.
	_, _ = d.Audit.Append(e)
}
