package vault

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// Provider abstracts the operation AILink actually needs from a hardware
// security module: wrap and unwrap a DEK under a KEK the provider holds
// internally and never exposes. Grounded on the teacher's
// pkg/crypto/hsm.Provider, trimmed from its full PKCS#11-shaped surface
// (session lifecycle, key generation, signing) down to the two operations
// the envelope scheme needs — AILink has no use for HSM-resident signing
// keys, only for keeping the KEK off-process.
type Provider interface {
	Name() string
	// WrapKey encrypts plaintext (a DEK) under the named KEK label,
	// returning an opaque ciphertext blob. The label addresses a key the
	// provider holds; it is never the key material itself.
	WrapKey(label string, plaintext []byte) ([]byte, error)
	// UnwrapKey reverses WrapKey.
	UnwrapKey(label string, wrapped []byte) ([]byte, error)
	// Rotate provisions a new KEK generation and returns its label,
	// leaving prior generations wrappable-from but no longer the default.
	Rotate() (label string, err error)
	// ActiveLabel returns the label Rotate most recently produced (or the
	// provider's initial generation if Rotate has never been called).
	ActiveLabel() string
}

// SoftwareProvider is a software-only Provider for development and for
// deployments that have not yet provisioned a PKCS#11-backed HSM. It is
// NOT a hardware security boundary: the simulated KEKs live in process
// memory exactly like LocalVault's, just behind the Provider interface so
// callers can swap in a real PKCS#11 binding later without touching
// HSMVault. Grounded on the teacher's pkg/crypto/hsm.SoftwareProvider,
// which carries the identical warning.
type SoftwareProvider struct {
	mu     sync.RWMutex
	active string
	keys   map[string][]byte
	gen    int
}

// NewSoftwareProvider seeds a SoftwareProvider with one generation derived
// from seed (typically AILINK_MASTER_KEY via DeriveMasterKey).
func NewSoftwareProvider(seed []byte) (*SoftwareProvider, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("vault: hsm seed must be 32 bytes, got %d", len(seed))
	}
	label := "gen-1"
	return &SoftwareProvider{
		active: label,
		keys:   map[string][]byte{label: append([]byte(nil), seed...)},
		gen:    1,
	}, nil
}

func (p *SoftwareProvider) Name() string { return "software (development only)" }

func (p *SoftwareProvider) ActiveLabel() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

func (p *SoftwareProvider) Rotate() (string, error) {
	newKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
		return "", fmt.Errorf("vault: hsm generate kek: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	label := fmt.Sprintf("gen-%d", p.gen)
	p.keys[label] = newKey
	p.active = label
	return label, nil
}

func (p *SoftwareProvider) WrapKey(label string, plaintext []byte) ([]byte, error) {
	p.mu.RLock()
	kek, ok := p.keys[label]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vault: hsm unknown key label %q", label)
	}
	ct, nonce, err := aesGCMSeal(kek, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func (p *SoftwareProvider) UnwrapKey(label string, wrapped []byte) ([]byte, error) {
	p.mu.RLock()
	kek, ok := p.keys[label]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vault: hsm unknown key label %q", label)
	}
	nonceLen := 12 // AES-GCM standard nonce size; matches aesGCMSeal's gcm.NonceSize()
	if len(wrapped) < nonceLen {
		return nil, fmt.Errorf("vault: hsm wrapped blob too short")
	}
	return aesGCMOpen(kek, wrapped[:nonceLen], wrapped[nonceLen:])
}

// HSMVault is a Manager that defers KEK custody to a Provider instead of
// holding KEK bytes itself: the DEK generated per Seal is wrapped and
// unwrapped through the provider's WrapKey/UnwrapKey, so an HSMVault
// process never has the KEK in its own address space (beyond whatever the
// chosen Provider implementation does internally — SoftwareProvider still
// does, a real PKCS#11 binding would not). Selected via
// AILINK_VAULT_BACKEND=hsm. It uses the same SealedSecret type and Encode
// format as LocalVault, but stores the DEK's wrapping nonce as the prefix of
// DEKCiphertext and leaves DEKNonce empty, so a secret sealed by one backend
// does not open under the other.
type HSMVault struct {
	provider Provider
}

// NewHSMVault wraps provider as a Manager.
func NewHSMVault(provider Provider) *HSMVault {
	return &HSMVault{provider: provider}
}

// Seal generates a fresh DEK, encrypts plaintext with it (identical to
// LocalVault.Seal), then asks the provider to wrap the DEK under its
// active KEK label. KEKVersion carries the provider's generation number
// parsed from the label (see labelGeneration); the label itself travels
// implicitly since HSMVault always resolves "the active label" or, for a
// specific historical generation, reconstructs "gen-<version>".
func (v *HSMVault) Seal(plaintext string) (*SealedSecret, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("vault: generate dek: %w", err)
	}
	defer zero(dek)

	ciphertext, nonce, err := aesGCMSeal(dek, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	label := v.provider.ActiveLabel()
	wrapped, err := v.provider.WrapKey(label, dek)
	if err != nil {
		return nil, fmt.Errorf("vault: hsm wrap dek: %w", err)
	}

	return &SealedSecret{
		KEKVersion:    labelGeneration(label),
		DEKCiphertext: wrapped,
		DEKNonce:      nil, // nonce is folded into DEKCiphertext's prefix by the provider
		Ciphertext:    ciphertext,
		Nonce:         nonce,
	}, nil
}

// Open unwraps sealed's DEK through the provider, then decrypts the payload.
func (v *HSMVault) Open(sealed *SealedSecret) (string, error) {
	label := fmt.Sprintf("gen-%d", sealed.KEKVersion)
	dek, err := v.provider.UnwrapKey(label, sealed.DEKCiphertext)
	if err != nil {
		return "", fmt.Errorf("vault: hsm unwrap dek: %w", err)
	}
	defer zero(dek)

	plaintext, err := aesGCMOpen(dek, sealed.Nonce, sealed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: open secret: %w", err)
	}
	return string(plaintext), nil
}

// RewrapDEK unwraps sealed's DEK under its original generation and
// re-wraps it under the provider's current active generation.
func (v *HSMVault) RewrapDEK(sealed *SealedSecret) (*SealedSecret, error) {
	plaintextDEKLabel := fmt.Sprintf("gen-%d", sealed.KEKVersion)
	dek, err := v.provider.UnwrapKey(plaintextDEKLabel, sealed.DEKCiphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: hsm unwrap dek: %w", err)
	}
	defer zero(dek)

	activeLabel := v.provider.ActiveLabel()
	wrapped, err := v.provider.WrapKey(activeLabel, dek)
	if err != nil {
		return nil, fmt.Errorf("vault: hsm rewrap dek: %w", err)
	}

	return &SealedSecret{
		KEKVersion:    labelGeneration(activeLabel),
		DEKCiphertext: wrapped,
		Ciphertext:    sealed.Ciphertext,
		Nonce:         sealed.Nonce,
	}, nil
}

// RotateMaster asks the provider to provision a new KEK generation.
func (v *HSMVault) RotateMaster() (int, error) {
	label, err := v.provider.Rotate()
	if err != nil {
		return 0, err
	}
	return labelGeneration(label), nil
}

// ActiveVersion returns the provider's current generation number.
func (v *HSMVault) ActiveVersion() int {
	return labelGeneration(v.provider.ActiveLabel())
}

func labelGeneration(label string) int {
	var gen int
	if _, err := fmt.Sscanf(label, "gen-%d", &gen); err != nil {
		return 0
	}
	return gen
}

var _ Manager = (*HSMVault)(nil)
