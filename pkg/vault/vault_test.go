package vault

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestVault(t *testing.T) *LocalVault {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	v, err := NewLocalVault(key)
	if err != nil {
		t.Fatalf("NewLocalVault: %v", err)
	}
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Seal("sk-super-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "sk-super-secret" {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	v := newTestVault(t)

	a, err := v.Seal("same-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := v.Seal("same-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("expected distinct ciphertexts for identical plaintext (nonce freshness)")
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatal("expected distinct nonces per seal")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Seal("token-value")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	encoded := sealed.Encode()
	decoded, err := DecodeSealedSecret(encoded)
	if err != nil {
		t.Fatalf("DecodeSealedSecret: %v", err)
	}

	got, err := v.Open(decoded)
	if err != nil {
		t.Fatalf("Open(decoded): %v", err)
	}
	if got != "token-value" {
		t.Fatalf("round trip through encode/decode mismatch: got %q", got)
	}
}

func TestRotateMasterAndRewrap(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Seal("rotate-me")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	oldVersion := sealed.KEKVersion

	newVersion, err := v.RotateMaster()
	if err != nil {
		t.Fatalf("RotateMaster: %v", err)
	}
	if newVersion == oldVersion {
		t.Fatal("expected a new kek version")
	}

	// Old sealed secret still opens against its original kek version.
	if got, err := v.Open(sealed); err != nil || got != "rotate-me" {
		t.Fatalf("expected old sealed secret still openable, got %q err %v", got, err)
	}

	rewrapped, err := v.RewrapDEK(sealed)
	if err != nil {
		t.Fatalf("RewrapDEK: %v", err)
	}
	if rewrapped.KEKVersion != newVersion {
		t.Fatalf("expected rewrapped secret to carry new kek version %d, got %d", newVersion, rewrapped.KEKVersion)
	}

	got, err := v.Open(rewrapped)
	if err != nil {
		t.Fatalf("Open(rewrapped): %v", err)
	}
	if got != "rotate-me" {
		t.Fatalf("rewrap changed plaintext: got %q", got)
	}
}

func TestOpenRejectsUnknownKEKVersion(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Seal("x")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed.KEKVersion = 999
	if _, err := v.Open(sealed); err == nil {
		t.Fatal("expected error opening secret with unknown kek version")
	}
}
