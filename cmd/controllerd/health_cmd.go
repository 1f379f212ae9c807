package main

import (
	"fmt"
	"io"

	"github.com/wardengate/controller/pkg/config"
	"github.com/wardengate/controller/pkg/keystore"
	"github.com/wardengate/controller/pkg/policy"
)

// runHealthCmd implements `controllerd health`: confirm the keystore,
// policy document + signature, and policy state all load cleanly
// without evaluating any proposal.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	ok := true

	keys := keystore.New(cfg.KeysPath)
	if _, err := keys.Load(); err != nil {
		fmt.Fprintf(stdout, "keystore: FAIL (%v)\n", err)
		ok = false
	} else {
		fmt.Fprintln(stdout, "keystore: OK")
	}

	eng := &policy.Engine{
		PolicyPath:    cfg.PolicyPath,
		SignaturePath: cfg.PolicySignaturePath,
		StatePath:     cfg.PolicyStatePath,
		Strict:        cfg.Strict,
		Keys:          keys,
	}
	if _, r := eng.Preflight(now()); r != "" {
		fmt.Fprintf(stdout, "policy: FAIL (%s)\n", r)
		ok = false
	} else {
		fmt.Fprintln(stdout, "policy: OK")
	}

	if !ok {
		fmt.Fprintln(stderr, "health check failed")
		return 1
	}
	fmt.Fprintln(stdout, "health OK")
	return 0
}
