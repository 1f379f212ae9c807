package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wardengate/controller/pkg/audit"
	"github.com/wardengate/controller/pkg/config"
	"github.com/wardengate/controller/pkg/keystore"
	"github.com/wardengate/controller/pkg/nonce"
	"github.com/wardengate/controller/pkg/pipeline"
	"github.com/wardengate/controller/pkg/policy"
	"github.com/wardengate/controller/pkg/ratelimit"
	"github.com/wardengate/controller/pkg/reason"
)

func now() int64 { return time.Now().Unix() }

// buildPipeline opens the single audit ledger for this invocation and
// wires it into the pipeline, so every gate's decision — allow or deny,
// in every mode — lands in the same ledger a caller's dispatcher appends
// execution outcomes to.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, error) {
	log, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", cfg.AuditLogPath, err)
	}

	p := &pipeline.Pipeline{
		Strict:                cfg.Strict,
		IntegrityBaseDir:      cfg.InstallDir,
		IntegrityManifestPath: cfg.IntegrityManifestPath,
		Keys:                  keystore.New(cfg.KeysPath),
		ClockSkewS:            cfg.ClockSkewSeconds,
		Nonces:                nonce.New(cfg.NoncePath),
		RateLimiter:           ratelimit.New(cfg.RateLimitPath),
		Policy: &policy.Engine{
			PolicyPath:    cfg.PolicyPath,
			SignaturePath: cfg.PolicySignaturePath,
			StatePath:     cfg.PolicyStatePath,
			Strict:        cfg.Strict,
			Keys:          keystore.New(cfg.KeysPath),
		},
		Audit: log,
	}

	if cfg.Strict {
		files, err := goFilesUnder(cfg.InstallDir)
		if err != nil {
			return nil, fmt.Errorf("scan install dir %s: %w", cfg.InstallDir, err)
		}
		p.IntegrityFiles = files
	}
	return p, nil
}

// decisionOutput is the stable §6 "Decision output" wire shape.
type decisionOutput struct {
	Status    string          `json:"status"`
	CommandID string          `json:"commandId,omitempty"`
	Checks    map[string]bool `json:"checks"`
	Reason    reason.Reason   `json:"reason,omitempty"`
	Risk      string          `json:"risk,omitempty"`
}

func statusFor(d *pipeline.Decision) string {
	switch {
	case d.Valid:
		return "valid"
	case d.Error == reason.ParseError || d.Error == reason.SchemaError:
		return "rejected"
	default:
		return "invalid"
	}
}

func printDecision(w io.Writer, commandID, risk string, d *pipeline.Decision) {
	out := decisionOutput{
		Status:    statusFor(d),
		CommandID: commandID,
		Checks:    d.Checks,
		Reason:    d.Error,
		Risk:      risk,
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(w, string(data))
}

func readProposalFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proposal %s: %w", path, err)
	}
	const maxSize = 1 << 20 // 1 MiB per §6
	if len(data) > maxSize {
		return nil, fmt.Errorf("proposal %s exceeds 1 MiB limit", path)
	}
	return data, nil
}

// goFilesUnder walks dir collecting every .go file path relative to dir,
// in the shape pkg/integrity.Generate expects.
func goFilesUnder(dir string) ([]string, error) {
	var paths []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(p, ".go") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		paths = append(paths, rel)
		return nil
	})
	return paths, err
}
