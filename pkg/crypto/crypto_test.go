package crypto

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := NewEd25519Signer("k1")
	if err != nil {
		t.Fatalf("NewEd25519Signer: %v", err)
	}

	msg := []byte(`{"id":"RUN_SHELL"}`)
	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !VerifyDetached(signer.PublicKeyBase64(), sig, msg) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyDetachedRejectsTamperedMessage(t *testing.T) {
	signer, _ := NewEd25519Signer("k1")
	sig, _ := signer.Sign([]byte("original"))

	if VerifyDetached(signer.PublicKeyBase64(), sig, []byte("tampered")) {
		t.Fatal("expected verification to fail on tampered message")
	}
}

func TestVerifyDetachedRejectsMalformedInputs(t *testing.T) {
	signer, _ := NewEd25519Signer("k1")
	msg := []byte("data")
	sig, _ := signer.Sign(msg)

	cases := []struct {
		name string
		pub  string
		sig  string
	}{
		{"bad base64 key", "not-base64!!", sig},
		{"bad base64 sig", signer.PublicKeyBase64(), "not-base64!!"},
		{"wrong key length", "aGVsbG8=", sig},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if VerifyDetached(c.pub, c.sig, msg) {
				t.Fatalf("expected failure for %s", c.name)
			}
		})
	}
}
