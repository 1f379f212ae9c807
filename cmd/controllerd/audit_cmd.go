package main

import (
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/wardengate/controller/pkg/audit"
	"github.com/wardengate/controller/pkg/config"
)

// runAuditVerifyCmd implements `controllerd audit-verify`: recompute the
// hash chain and report the first mismatch, if any.
func runAuditVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit-verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var path string
	cmd.StringVar(&path, "log", "", "path to the audit log (defaults to the configured data dir)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if path == "" {
		path = config.Load().AuditLogPath
	}

	if err := audit.VerifyChain(path); err != nil {
		var mismatch *audit.MismatchError
		if errors.As(err, &mismatch) {
			fmt.Fprintf(stdout, "chain broken at seq %d: %s\n", mismatch.Seq, mismatch.Reason)
			return 1
		}
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	fmt.Fprintln(stdout, "audit chain OK")
	return 0
}
