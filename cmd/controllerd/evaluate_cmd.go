package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/wardengate/controller/pkg/config"
	"github.com/wardengate/controller/pkg/pipeline"
	"github.com/wardengate/controller/pkg/proposal"
	"github.com/wardengate/controller/pkg/reason"
)

// runVerifyCmd implements `controllerd verify` — read-only evaluation,
// no nonce/token consumption, per §6.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	return runEvaluate("verify", pipeline.ModeVerify, args, stdout, stderr)
}

// runDryrunCmd implements `controllerd dryrun` — same read-only
// semantics as verify. The pipeline writes the same DECISION audit
// entry for both modes; the entry does not record which one ran.
func runDryrunCmd(args []string, stdout, stderr io.Writer) int {
	return runEvaluate("dryrun", pipeline.ModeDryrun, args, stdout, stderr)
}

func runEvaluate(name string, mode pipeline.Mode, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var proposalPath string
	cmd.StringVar(&proposalPath, "proposal", "", "path to the proposal JSON file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if proposalPath == "" {
		fmt.Fprintln(stderr, "error: -proposal is required")
		return 2
	}

	cfg := config.Load()
	raw, err := readProposalFile(proposalPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	p, err := buildPipeline(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	prop, d := pipeline.Evaluate(p, raw, now(), mode)
	commandID, risk := commandAndRisk(prop)
	printDecision(stdout, commandID, risk, d)
	return d.Error.ExitCode()
}

// runRunCmd implements `controllerd run` — full evaluation followed by
// dispatch when the decision is valid.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var proposalPath string
	cmd.StringVar(&proposalPath, "proposal", "", "path to the proposal JSON file (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if proposalPath == "" {
		fmt.Fprintln(stderr, "error: -proposal is required")
		return 2
	}

	cfg := config.Load()
	raw, err := readProposalFile(proposalPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	p, err := buildPipeline(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	prop, d := pipeline.Evaluate(p, raw, now(), pipeline.ModeRun)
	commandID, risk := commandAndRisk(prop)

	if !d.Valid {
		printDecision(stdout, commandID, risk, d)
		return d.Error.ExitCode()
	}

	disp := dispatcherFor(p.Audit)
	result, dispatchReason := disp.Dispatch(prop, d.Requester, now())
	if dispatchReason != "" {
		d.Valid = false
		d.Error = dispatchReason
		printDecision(stdout, commandID, risk, d)
		return dispatchReason.ExitCode()
	}

	printDecision(stdout, commandID, risk, d)
	if !result.Success {
		return reason.AdapterExecutionFailed.ExitCode()
	}
	return 0
}

func commandAndRisk(p *proposal.Proposal) (string, string) {
	if p == nil {
		return "", ""
	}
	return p.CommandID, string(p.Risk)
}
