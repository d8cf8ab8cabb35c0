package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/crowdpost/connect/internal/config"
)

// Vault encrypts and decrypts credential material with a process-wide
// AES-256-GCM key. The key is fixed at startup; an unstable key would
// silently invalidate every stored credential.
type Vault struct {
	aead cipher.AEAD
}

// New resolves the encryption key from configuration: VAULT_KEY (base64,
// 32 bytes) when set, otherwise SHA-256 of APP_SECRET so the key stays
// deterministic across restarts.
func New(cfg config.Config) (*Vault, error) {
	if cfg.VaultKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.VaultKey)
		if err != nil {
			return nil, fmt.Errorf("decode vault key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("vault key must be 32 bytes, got %d", len(key))
		}
		return NewWithKey(key)
	}
	if cfg.AppSecret == "" {
		return nil, fmt.Errorf("vault key missing: set VAULT_KEY or APP_SECRET")
	}
	derived := sha256.Sum256([]byte(cfg.AppSecret))
	return NewWithKey(derived[:])
}

// NewWithKey builds a vault from a raw 32-byte AES key.
func NewWithKey(key []byte) (*Vault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals one plaintext token and returns a base64url payload.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", fmt.Errorf("vault is not configured")
	}

	// GCM requires a unique nonce per encryption under the same key.
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	ciphertext := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	// Stored as nonce || ciphertext.
	payload := append(nonce, ciphertext...)
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decrypt opens one previously encrypted token.
func (v *Vault) Decrypt(sealed string) (string, error) {
	if v == nil || v.aead == nil {
		return "", fmt.Errorf("vault is not configured")
	}

	payload, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	nonceSize := v.aead.NonceSize()
	if len(payload) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt token: %w", err)
	}
	return string(plaintext), nil
}
