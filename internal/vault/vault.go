// Package vault seals the credentials the hive needs at runtime, such as the
// model provider's API key, so they are never stored in plaintext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// RefPrefix marks a config value that names a sealed secret.
const RefPrefix = "secret:"

var ErrNoPassphrase = errors.New("vault passphrase is not set")

// Vault provides AES-256-GCM sealing with a passphrase-derived key.
type Vault struct {
	key [32]byte
}

// New derives the key from the passphrase via Argon2id. The salt is the
// SHA-256 of the passphrase, so the same passphrase yields the same key across
// restarts.
func New(passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	v := &Vault{}
	copy(v.key[:], key)
	return v, nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with a random nonce, returned as the blob's prefix.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (v *Vault) Open(sealed []byte) ([]byte, error) {
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("decrypt: sealed value too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Source looks up sealed secrets by name. *store.Store satisfies it.
type Source interface {
	SealedSecret(name string) ([]byte, error)
}

// Resolve returns value unchanged unless it is a "secret:NAME" reference, in
// which case the named secret is opened. A nil vault cannot resolve references.
func (v *Vault) Resolve(src Source, value string) (string, error) {
	name, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if v == nil {
		return "", fmt.Errorf("resolve %s: %w", value, ErrNoPassphrase)
	}
	sealed, err := src.SealedSecret(name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	plain, err := v.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", value, err)
	}
	return string(plain), nil
}
