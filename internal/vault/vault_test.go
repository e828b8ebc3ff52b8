package vault

import (
	"bytes"
	"errors"
	"testing"

	"relaycast/internal/models"
)

func newTestVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase, "test-salt")
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t, "correct horse")
	secret, err := v.Encrypt("EAAB-page-token")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if len(secret.Nonce) != nonceLength {
		t.Fatalf("expected %d byte nonce, got %d", nonceLength, len(secret.Nonce))
	}
	if len(secret.Tag) != tagLength {
		t.Fatalf("expected %d byte tag, got %d", tagLength, len(secret.Tag))
	}
	if bytes.Contains(secret.Ciphertext, []byte("page-token")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	plaintext, err := v.Decrypt(secret)
	if err != nil {
		t.Fatalf("Decrypt error: %v", err)
	}
	if plaintext != "EAAB-page-token" {
		t.Fatalf("expected round trip, got %q", plaintext)
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := newTestVault(t, "correct horse")
	first, _ := v.Encrypt("same")
	second, _ := v.Encrypt("same")
	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Fatal("expected distinct nonces")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatal("expected distinct ciphertexts")
	}
}

func TestDecryptRejectsOtherKey(t *testing.T) {
	secret, err := newTestVault(t, "one").Encrypt("token")
	if err != nil {
		t.Fatalf("Encrypt error: %v", err)
	}
	if _, err := newTestVault(t, "two").Decrypt(secret); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	v := newTestVault(t, "one")
	secret, _ := v.Encrypt("token")
	secret.Tag[0] ^= 0xff
	if _, err := v.Decrypt(secret); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptEmptySecret(t *testing.T) {
	v := newTestVault(t, "one")
	if _, err := v.Decrypt(models.Secret{}); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestNewRequiresPassphrase(t *testing.T) {
	if _, err := New("  ", "salt"); err == nil {
		t.Fatal("expected error for blank passphrase")
	}
}

func TestEncodeDecodeSecret(t *testing.T) {
	v := newTestVault(t, "one")
	secret, _ := v.Encrypt("account-token")
	encoded, err := EncodeSecret(secret)
	if err != nil {
		t.Fatalf("EncodeSecret error: %v", err)
	}
	decoded, err := DecodeSecret(encoded)
	if err != nil {
		t.Fatalf("DecodeSecret error: %v", err)
	}
	plaintext, err := v.Decrypt(decoded)
	if err != nil || plaintext != "account-token" {
		t.Fatalf("expected account-token, got %q err=%v", plaintext, err)
	}
	if _, err := DecodeSecret(""); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}
