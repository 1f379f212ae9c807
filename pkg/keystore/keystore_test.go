package keystore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/wardengate/controller/pkg/reason"
)

func writeKeys(t *testing.T, keys []TrustedKey) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	data, err := json.Marshal(keysFile{Keys: keys})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveLifecycleBounds(t *testing.T) {
	path := writeKeys(t, []TrustedKey{
		{KeyID: "k1", PublicKey: "abc", NotBefore: 100, ExpiresAt: 200},
	})
	s := New(path)

	if _, r := s.Resolve("k1", "agent:gpt", 50); r != reason.KeyNotYetValid {
		t.Fatalf("got %q, want KEY_NOT_YET_VALID", r)
	}
	if _, r := s.Resolve("k1", "agent:gpt", 250); r != reason.KeyExpired {
		t.Fatalf("got %q, want KEY_EXPIRED", r)
	}
	if k, r := s.Resolve("k1", "agent:gpt", 150); r != "" || k == nil {
		t.Fatalf("expected success, got key=%v reason=%q", k, r)
	}
}

func TestResolveUnknownKey(t *testing.T) {
	path := writeKeys(t, []TrustedKey{{KeyID: "k1", NotBefore: 0, ExpiresAt: 1000}})
	s := New(path)
	if _, r := s.Resolve("missing", "agent:gpt", 10); r != reason.KeyIDInvalid {
		t.Fatalf("got %q, want KEY_ID_INVALID", r)
	}
}

func TestResolveRequesterScoping(t *testing.T) {
	path := writeKeys(t, []TrustedKey{
		{KeyID: "k1", NotBefore: 0, ExpiresAt: 1000, TrustedRequesters: []string{"agent:gpt"}},
	})
	s := New(path)
	if _, r := s.Resolve("k1", "agent:other", 10); r != reason.KeyNotAuthorizedForRequester {
		t.Fatalf("got %q, want KEY_NOT_AUTHORIZED_FOR_REQUESTER", r)
	}
	if _, r := s.Resolve("k1", "agent:gpt", 10); r != "" {
		t.Fatalf("expected success, got %q", r)
	}
}

func TestDefaultKeyIDForbidden(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.json")
	data, _ := json.Marshal(keysFile{Keys: []TrustedKey{{KeyID: "default"}}})
	os.WriteFile(path, data, 0o600)

	s := New(path)
	if _, err := s.Load(); err == nil {
		t.Fatal("expected load to reject keyId \"default\"")
	}
}
