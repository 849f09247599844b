// Package vault implements AILink's credential vault: envelope encryption
// of upstream API secrets using a process-held master key (KEK) that wraps
// a fresh per-credential data-encryption key (DEK) for every seal.
//
// The scheme: a 32-byte KEK, sourced from the environment or an external
// KMS, never directly encrypts a secret. Instead each Seal call generates a
// random DEK, encrypts the plaintext with the DEK (AES-256-GCM), then
// encrypts the DEK with the KEK (AES-256-GCM, a second nonce). Opening a
// SealedSecret reverses this: unwrap the DEK with the KEK, then decrypt the
// payload with the DEK. The vault itself never persists anything — it is
// stateless with respect to the master key beyond holding it in memory —
// so rotating the KEK means re-wrapping every stored DEK, not touching the
// underlying secrets (see RewrapDEK).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// SealedSecret is everything needed to recover a plaintext secret: the
// AEAD-encrypted payload and its wrapped DEK.
//
//nolint:govet // fieldalignment: struct layout kept readable
type SealedSecret struct {
	KEKVersion    int    `json:"kek_version"`
	DEKCiphertext []byte `json:"dek_ciphertext"`
	DEKNonce      []byte `json:"dek_nonce"`
	Ciphertext    []byte `json:"ciphertext"`
	Nonce         []byte `json:"nonce"`
}

// Encode serializes a SealedSecret to the storage string format
// "v<kekVersion>:<b64 dekNonce>:<b64 dekCiphertext>:<b64 nonce>:<b64 ciphertext>".
func (s *SealedSecret) Encode() string {
	enc := base64.StdEncoding
	return fmt.Sprintf("v%d:%s:%s:%s:%s",
		s.KEKVersion,
		enc.EncodeToString(s.DEKNonce),
		enc.EncodeToString(s.DEKCiphertext),
		enc.EncodeToString(s.Nonce),
		enc.EncodeToString(s.Ciphertext),
	)
}

// DecodeSealedSecret parses the string format produced by Encode.
func DecodeSealedSecret(s string) (*SealedSecret, error) {
	if !strings.HasPrefix(s, "v") {
		return nil, fmt.Errorf("vault: missing version prefix")
	}
	parts := strings.SplitN(s[1:], ":", 5)
	if len(parts) != 5 {
		return nil, fmt.Errorf("vault: malformed sealed secret")
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("vault: parse version: %w", err)
	}
	enc := base64.StdEncoding
	dekNonce, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("vault: decode dek_nonce: %w", err)
	}
	dekCt, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("vault: decode dek_ciphertext: %w", err)
	}
	nonce, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("vault: decode nonce: %w", err)
	}
	ct, err := enc.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	return &SealedSecret{
		KEKVersion:    version,
		DEKNonce:      dekNonce,
		DEKCiphertext: dekCt,
		Nonce:         nonce,
		Ciphertext:    ct,
	}, nil
}

// Manager is the Vault's external contract.
type Manager interface {
	Seal(plaintext string) (*SealedSecret, error)
	Open(sealed *SealedSecret) (string, error)
	RotateMaster() (version int, err error)
	ActiveVersion() int
	// RewrapDEK unwraps sealed's DEK with the KEK version it was sealed
	// under and re-wraps it with the currently active KEK, without ever
	// touching the underlying plaintext. Used to migrate stored
	// credentials after RotateMaster.
	RewrapDEK(sealed *SealedSecret) (*SealedSecret, error)
}

// LocalVault holds the KEK keyring in memory only; it is never persisted
// by this package. Callers that need the master key to survive a restart
// are responsible for sourcing it (env var, file, external KMS) and
// feeding it back in via ImportMaster.
type LocalVault struct {
	mu            sync.RWMutex
	activeVersion int
	keks          map[int][]byte
}

// DeriveMasterKey turns an arbitrary-length operator-supplied passphrase
// (AILINK_MASTER_KEY, typically a human-chosen string rather than raw key
// material) into the 32-byte KEK NewLocalVault requires. A plain SHA-256
// digest is sufficient here: the passphrase is expected to already carry
// enough entropy (a generated secret, not a guessable password), so this is
// a length-fitting step, not a password-based-KDF slow hash.
func DeriveMasterKey(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return sum[:]
}

// NewLocalVault creates a vault seeded with a single master key version 1.
func NewLocalVault(masterKey []byte) (*LocalVault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(masterKey))
	}
	return &LocalVault{
		activeVersion: 1,
		keks:          map[int][]byte{1: append([]byte(nil), masterKey...)},
	}, nil
}

// ImportMaster registers an externally-sourced KEK at a specific version,
// making it the active version. Used to restore state across restarts or
// to pin the vault to an operator-supplied key.
func (v *LocalVault) ImportMaster(version int, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("vault: master key must be 32 bytes, got %d", len(key))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keks[version] = append([]byte(nil), key...)
	if version > v.activeVersion {
		v.activeVersion = version
	}
	return nil
}

// Seal generates a fresh DEK, encrypts plaintext with it, then wraps the
// DEK with the active KEK.
func (v *LocalVault) Seal(plaintext string) (*SealedSecret, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("vault: generate dek: %w", err)
	}
	defer zero(dek)

	ciphertext, nonce, err := aesGCMSeal(dek, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	version := v.activeVersion
	kek := v.keks[version]
	v.mu.RUnlock()

	dekCt, dekNonce, err := aesGCMSeal(kek, dek)
	if err != nil {
		return nil, fmt.Errorf("vault: wrap dek: %w", err)
	}

	return &SealedSecret{
		KEKVersion:    version,
		DEKCiphertext: dekCt,
		DEKNonce:      dekNonce,
		Ciphertext:    ciphertext,
		Nonce:         nonce,
	}, nil
}

// Open unwraps sealed's DEK with the KEK version it was sealed under, then
// decrypts the payload.
func (v *LocalVault) Open(sealed *SealedSecret) (string, error) {
	v.mu.RLock()
	kek, ok := v.keks[sealed.KEKVersion]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("vault: unknown kek version %d", sealed.KEKVersion)
	}

	dek, err := aesGCMOpen(kek, sealed.DEKNonce, sealed.DEKCiphertext)
	if err != nil {
		return "", fmt.Errorf("vault: unwrap dek: %w", err)
	}
	defer zero(dek)

	plaintext, err := aesGCMOpen(dek, sealed.Nonce, sealed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("vault: open secret: %w", err)
	}
	return string(plaintext), nil
}

// RewrapDEK re-wraps sealed's DEK under the currently active KEK without
// decrypting the secret payload itself.
func (v *LocalVault) RewrapDEK(sealed *SealedSecret) (*SealedSecret, error) {
	v.mu.RLock()
	oldKEK, ok := v.keks[sealed.KEKVersion]
	activeVersion := v.activeVersion
	newKEK := v.keks[activeVersion]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vault: unknown kek version %d", sealed.KEKVersion)
	}

	dek, err := aesGCMOpen(oldKEK, sealed.DEKNonce, sealed.DEKCiphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: unwrap dek: %w", err)
	}
	defer zero(dek)

	dekCt, dekNonce, err := aesGCMSeal(newKEK, dek)
	if err != nil {
		return nil, fmt.Errorf("vault: rewrap dek: %w", err)
	}

	return &SealedSecret{
		KEKVersion:    activeVersion,
		DEKCiphertext: dekCt,
		DEKNonce:      dekNonce,
		Ciphertext:    sealed.Ciphertext,
		Nonce:         sealed.Nonce,
	}, nil
}

// RotateMaster generates a new KEK version and makes it active. Existing
// sealed secrets remain openable against their original KEKVersion until
// explicitly rewrapped.
func (v *LocalVault) RotateMaster() (int, error) {
	newKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, newKey); err != nil {
		return 0, fmt.Errorf("vault: generate kek: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	newVersion := v.activeVersion + 1
	v.keks[newVersion] = newKey
	v.activeVersion = newVersion
	return newVersion, nil
}

// ActiveVersion returns the currently active KEK version.
func (v *LocalVault) ActiveVersion() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.activeVersion
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func aesGCMSeal(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("vault: gcm: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("vault: nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func aesGCMOpen(key, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("vault: invalid nonce size")
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
