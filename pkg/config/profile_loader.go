package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AdapterProfile is a per-adapter execution profile: the sandboxing and
// outbound-networking constraints an adapter process runs under,
// independent of the policy document's per-requester allowlists.
type AdapterProfile struct {
	Adapter    string           `yaml:"adapter" json:"adapter"`
	WorkingDir string           `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	Timeout    time.Duration    `yaml:"timeout" json:"timeout"`
	Networking NetworkingConfig `yaml:"networking" json:"networking"`
}

// NetworkingConfig controls an adapter's outbound networking policy.
type NetworkingConfig struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "island"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
}

// LoadAdapterProfile loads an adapter's execution profile by name. It
// searches profilesDir for adapter_<name>.yaml.
func LoadAdapterProfile(profilesDir, adapter string) (*AdapterProfile, error) {
	name := strings.ToLower(adapter)
	path := filepath.Join(profilesDir, fmt.Sprintf("adapter_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load adapter profile %q: %w", name, err)
	}

	var profile AdapterProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse adapter profile %q: %w", name, err)
	}
	if profile.Adapter == "" {
		profile.Adapter = name
	}
	return &profile, nil
}

// LoadAllAdapterProfiles loads every adapter_*.yaml file under profilesDir,
// keyed by adapter name.
func LoadAllAdapterProfiles(profilesDir string) (map[string]*AdapterProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "adapter_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*AdapterProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile AdapterProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Adapter == "" {
			base := filepath.Base(path)
			profile.Adapter = strings.TrimSuffix(strings.TrimPrefix(base, "adapter_"), ".yaml")
		}
		profiles[profile.Adapter] = &profile
	}

	return profiles, nil
}

// IsIslandMode reports whether the profile blocks all outbound networking.
func (p *AdapterProfile) IsIslandMode() bool {
	return p.Networking.OutboundMode == "island"
}

// IsHostAllowed checks a hostname against the profile's networking policy.
func (p *AdapterProfile) IsHostAllowed(hostname string) bool {
	if p.IsIslandMode() {
		return false
	}

	switch p.Networking.OutboundMode {
	case "allowlist":
		for _, h := range p.Networking.Allowlist {
			if h == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Networking.Denylist {
			if h == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}
