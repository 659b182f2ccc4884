package vault

import (
	"bytes"
	"errors"
	"testing"
)

func mustNew(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := mustNew(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed value contains the plaintext")
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}

	again, _ := v.Seal(plaintext)
	if bytes.Equal(sealed, again) {
		t.Fatal("two seals of the same value should differ")
	}
}

func TestWrongPassphrase(t *testing.T) {
	sealed, err := mustNew(t, "correct-passphrase").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := mustNew(t, "wrong-passphrase").Open(sealed); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
	if _, err := mustNew(t, "correct-passphrase").Open(sealed[:4]); err == nil {
		t.Fatal("expected error for truncated value")
	}
}

func TestEmptyPassphrase(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrNoPassphrase) {
		t.Fatalf("expected ErrNoPassphrase, got %v", err)
	}
}

type mapSource map[string][]byte

func (m mapSource) SealedSecret(name string) ([]byte, error) {
	v, ok := m[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return v, nil
}

func TestResolve(t *testing.T) {
	v := mustNew(t, "pass")
	sealed, err := v.Seal([]byte("sk-123"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	src := mapSource{"gemini": sealed}

	got, err := v.Resolve(src, "secret:gemini")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "sk-123" {
		t.Errorf("expected sk-123, got %q", got)
	}

	if got, _ := v.Resolve(src, "literal-key"); got != "literal-key" {
		t.Errorf("literal values pass through, got %q", got)
	}
	if _, err := v.Resolve(src, "secret:missing"); err == nil {
		t.Error("expected error for missing secret")
	}

	var none *Vault
	if got, err := none.Resolve(src, "plain"); err != nil || got != "plain" {
		t.Errorf("nil vault should pass literals through, got %q %v", got, err)
	}
	if _, err := none.Resolve(src, "secret:gemini"); !errors.Is(err, ErrNoPassphrase) {
		t.Errorf("expected ErrNoPassphrase, got %v", err)
	}
}
