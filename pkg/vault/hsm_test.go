package vault

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func newTestHSMVault(t *testing.T) *HSMVault {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	provider, err := NewSoftwareProvider(seed)
	if err != nil {
		t.Fatalf("NewSoftwareProvider: %v", err)
	}
	return NewHSMVault(provider)
}

func TestHSMVaultSealOpenRoundTrip(t *testing.T) {
	v := newTestHSMVault(t)

	sealed, err := v.Seal("sk-hsm-secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	got, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "sk-hsm-secret" {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestHSMVaultSealProducesDistinctCiphertexts(t *testing.T) {
	v := newTestHSMVault(t)

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
	if bytes.Equal(a.DEKCiphertext, b.DEKCiphertext) {
		t.Fatal("expected distinct wrapped DEKs across seals")
	}
}

func TestHSMVaultRotateMasterThenRewrap(t *testing.T) {
	v := newTestHSMVault(t)

	sealed, err := v.Seal("rotate-me")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	oldVersion := v.ActiveVersion()

	newVersion, err := v.RotateMaster()
	if err != nil {
		t.Fatalf("RotateMaster: %v", err)
	}
	if newVersion <= oldVersion {
		t.Fatalf("expected version to advance, old=%d new=%d", oldVersion, newVersion)
	}

	// Old sealed secret is still openable against its original generation.
	got, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("Open after rotate: %v", err)
	}
	if got != "rotate-me" {
		t.Fatalf("round trip mismatch after rotate: got %q", got)
	}

	rewrapped, err := v.RewrapDEK(sealed)
	if err != nil {
		t.Fatalf("RewrapDEK: %v", err)
	}
	if rewrapped.KEKVersion != newVersion {
		t.Fatalf("expected rewrapped KEKVersion=%d, got %d", newVersion, rewrapped.KEKVersion)
	}
	got, err = v.Open(rewrapped)
	if err != nil {
		t.Fatalf("Open rewrapped: %v", err)
	}
	if got != "rotate-me" {
		t.Fatalf("round trip mismatch after rewrap: got %q", got)
	}
}

func TestHSMVaultUnknownGenerationFails(t *testing.T) {
	v := newTestHSMVault(t)
	sealed, err := v.Seal("x")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	sealed.KEKVersion = 999
	if _, err := v.Open(sealed); err == nil {
		t.Fatal("expected error opening secret sealed under unknown generation")
	}
}
