package main

import (
	"github.com/wardengate/controller/pkg/audit"
	"github.com/wardengate/controller/pkg/dispatch"
	"github.com/wardengate/controller/pkg/policy"
	"github.com/wardengate/controller/pkg/proposal"
)

// dispatcherFor builds the CLI's adapter registry over the same audit
// log the pipeline already wrote its DECISION entry to, so a proposal's
// allow decision and its execution outcome land in one ledger in order.
// Adapter implementations are explicitly out of scope for the controller
// library (spec.md §1 Out of scope); this registers only the "noop"
// adapter so `controllerd run` has something to dispatch to out of the
// box. A real deployment registers its own adapters (shell, http,
// domain-specific bridges) against the same dispatch.Registry.
func dispatcherFor(log *audit.Log) *dispatch.Dispatcher {
	reg := dispatch.NewRegistry()
	reg.Register("noop", noopAdapter)
	return &dispatch.Dispatcher{Adapters: reg, Audit: log}
}

func noopAdapter(p *proposal.Proposal, rp *policy.RequesterPolicy) (dispatch.Result, error) {
	return dispatch.Result{Success: true, ExitCode: 0, Output: "noop: accepted " + p.CommandID}, nil
}
