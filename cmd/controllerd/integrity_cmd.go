package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/wardengate/controller/pkg/config"
	"github.com/wardengate/controller/pkg/integrity"
	"github.com/wardengate/controller/pkg/keystore"
)

// runIntegrityGenerateCmd implements `controllerd integrity-generate`:
// hash every .go file under the install dir into a fresh manifest,
// optionally signing it.
func runIntegrityGenerateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("integrity-generate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dir, out, keyPath, keyID string
	cmd.StringVar(&dir, "dir", "", "root directory to hash (defaults to the configured install dir)")
	cmd.StringVar(&out, "out", "", "path to write the manifest (defaults to the configured path)")
	cmd.StringVar(&keyPath, "key", "", "optional signer private key (base64), signs the manifest if set")
	cmd.StringVar(&keyID, "keyid", "", "keyId for -key")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if dir == "" {
		dir = cfg.InstallDir
	}
	if out == "" {
		out = cfg.IntegrityManifestPath
	}

	files, err := goFilesUnder(dir)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	m, err := integrity.Generate(dir, files)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	if keyPath != "" {
		if keyID == "" {
			fmt.Fprintln(stderr, "error: -keyid is required with -key")
			return 2
		}
		signer, err := loadSigner(keyPath, keyID)
		if err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 2
		}
		if err := integrity.Sign(m, signer); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return 2
		}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	fmt.Fprintf(stdout, "generated manifest for %d files -> %s\n", len(files), out)
	return 0
}

// runIntegrityCheckCmd implements `controllerd integrity-check`: verify
// the install dir's files against a manifest.
func runIntegrityCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("integrity-check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var dir, manifestPath string
	cmd.StringVar(&dir, "dir", "", "root directory to verify (defaults to the configured install dir)")
	cmd.StringVar(&manifestPath, "manifest", "", "path to the manifest (defaults to the configured path)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if dir == "" {
		dir = cfg.InstallDir
	}
	if manifestPath == "" {
		manifestPath = cfg.IntegrityManifestPath
	}

	m, err := integrity.Load(manifestPath)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	files, err := goFilesUnder(dir)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 2
	}

	keys := keystore.New(cfg.KeysPath)
	if r := integrity.Verify(dir, m, files, keys, now()); r != "" {
		fmt.Fprintf(stdout, "integrity check failed: %s\n", r)
		return 8
	}

	fmt.Fprintln(stdout, "integrity OK")
	return 0
}
