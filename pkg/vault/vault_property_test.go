//go:build property
// +build property

package vault

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newTestVaultForProperty(t *testing.T) *LocalVault {
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

// TestSealOpenRoundTripProperty verifies Open(Seal(x)) == x for any
// plaintext, including the empty string and strings containing NUL bytes.
func TestSealOpenRoundTripProperty(t *testing.T) {
	v := newTestVaultForProperty(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("Open(Seal(x)) == x", prop.ForAll(
		func(plaintext string) bool {
			sealed, err := v.Seal(plaintext)
			if err != nil {
				return false
			}
			opened, err := v.Open(sealed)
			if err != nil {
				return false
			}
			return opened == plaintext
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestSealNonceUniqueness verifies that sealing the same plaintext twice
// never reuses a nonce for either the payload or the wrapped DEK. AES-GCM's
// confidentiality guarantee depends entirely on never repeating a
// (key, nonce) pair.
func TestSealNonceUniqueness(t *testing.T) {
	v := newTestVaultForProperty(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("two seals of the same plaintext never share a nonce", prop.ForAll(
		func(plaintext string) bool {
			a, err := v.Seal(plaintext)
			if err != nil {
				return false
			}
			b, err := v.Seal(plaintext)
			if err != nil {
				return false
			}
			return !bytes.Equal(a.Nonce, b.Nonce) && !bytes.Equal(a.DEKNonce, b.DEKNonce)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
