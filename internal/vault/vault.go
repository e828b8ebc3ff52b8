// Package vault encrypts credentials at rest. Keys are derived from an
// operator passphrase with PBKDF2-SHA256 and secrets are sealed with
// AES-256-GCM, keeping the nonce and authentication tag beside the ciphertext.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"relaycast/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyDerivationIterations = 210000
	keyLength               = 32
	nonceLength             = 12
	tagLength               = 16
)

var (
	// ErrInvalidKey is returned when a secret cannot be opened with the
	// configured key, either because it was sealed with another passphrase or
	// because it was tampered with.
	ErrInvalidKey = errors.New("vault: secret cannot be decrypted with the configured key")
	// ErrEmptySecret is returned when decrypting a secret that holds nothing.
	ErrEmptySecret = errors.New("vault: secret is empty")
)

// Vault seals and opens credentials with a single derived key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from passphrase and salt.
func New(passphrase, salt string) (*Vault, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("vault: passphrase is required")
	}
	if salt == "" {
		salt = "relaycast"
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), keyDerivationIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLength)
	if err != nil {
		return nil, fmt.Errorf("vault: create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (models.Secret, error) {
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return models.Secret{}, fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - tagLength
	return models.Secret{
		Ciphertext: sealed[:split:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
	}, nil
}

// Decrypt verifies and opens secret.
func (v *Vault) Decrypt(secret models.Secret) (string, error) {
	if secret.Empty() {
		return "", ErrEmptySecret
	}
	if len(secret.Nonce) != nonceLength || len(secret.Tag) != tagLength {
		return "", ErrInvalidKey
	}
	sealed := make([]byte, 0, len(secret.Ciphertext)+len(secret.Tag))
	sealed = append(sealed, secret.Ciphertext...)
	sealed = append(sealed, secret.Tag...)
	plaintext, err := v.aead.Open(nil, secret.Nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidKey
	}
	return string(plaintext), nil
}

// EncodeSecret serialises a secret for the settings table.
func EncodeSecret(secret models.Secret) (string, error) {
	data, err := json.Marshal(secret)
	if err != nil {
		return "", fmt.Errorf("vault: encode secret: %w", err)
	}
	return string(data), nil
}

// DecodeSecret parses a secret stored with EncodeSecret.
func DecodeSecret(value string) (models.Secret, error) {
	var secret models.Secret
	if strings.TrimSpace(value) == "" {
		return secret, ErrEmptySecret
	}
	if err := json.Unmarshal([]byte(value), &secret); err != nil {
		return models.Secret{}, fmt.Errorf("vault: decode secret: %w", err)
	}
	return secret, nil
}
