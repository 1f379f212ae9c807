// Package keystore loads and resolves trusted Ed25519 signing keys,
// enforcing their lifecycle bounds and authorized-requester scoping.
package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/wardengate/controller/pkg/reason"
)

// TrustedKey is one entry of config/keys.json, per §3.
type TrustedKey struct {
	KeyID             string   `json:"keyId"`
	PublicKey         string   `json:"publicKey"`
	NotBefore         int64    `json:"notBefore"`
	ExpiresAt         int64    `json:"expiresAt"`
	TrustedRequesters []string `json:"trustedRequesters,omitempty"`
}

func (k TrustedKey) authorizes(requesterID string) bool {
	if len(k.TrustedRequesters) == 0 {
		return true
	}
	for _, r := range k.TrustedRequesters {
		if r == requesterID {
			return true
		}
	}
	return false
}

type keysFile struct {
	Keys []TrustedKey `json:"keys"`
}

// Store is a read-only, re-read-on-each-call map of keyId -> TrustedKey.
// It is re-read on every Resolve call so out-of-band key rotation takes
// effect without a restart, per §5 "read-only at runtime... re-read on
// each validation so hot-rotation is supported".
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store backed by the keys document at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads and validates the keys document without resolving a
// specific key; used by `health`/doctor-style preflight commands.
func (s *Store) Load() (map[string]TrustedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() (map[string]TrustedKey, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", s.path, err)
	}
	var kf keysFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", s.path, err)
	}
	out := make(map[string]TrustedKey, len(kf.Keys))
	for _, k := range kf.Keys {
		if k.KeyID == "default" {
			return nil, fmt.Errorf("keystore: keyId %q is forbidden", "default")
		}
		out[k.KeyID] = k
	}
	return out, nil
}

// Resolve implements the §4.2 lookup: keyId -> lifecycle -> requester
// authorization, in that order, returning the first violated rule.
func (s *Store) Resolve(keyID, requesterID string, now int64) (*TrustedKey, reason.Reason) {
	key, r := s.ResolveLifecycle(keyID, now)
	if r != "" {
		return nil, r
	}
	if !key.authorizes(requesterID) {
		return nil, reason.KeyNotAuthorizedForRequester
	}
	return key, ""
}

// ResolveLifecycle checks only keyId presence and notBefore/expiresAt
// bounds, without requester scoping. Used for keys that sign documents
// rather than proposals (policy signer, integrity manifest signer).
func (s *Store) ResolveLifecycle(keyID string, now int64) (*TrustedKey, reason.Reason) {
	keys, err := s.Load()
	if err != nil {
		return nil, reason.KeyIDInvalid
	}
	key, ok := keys[keyID]
	if !ok {
		return nil, reason.KeyIDInvalid
	}
	if now < key.NotBefore {
		return nil, reason.KeyNotYetValid
	}
	if now > key.ExpiresAt {
		return nil, reason.KeyExpired
	}
	return &key, ""
}
