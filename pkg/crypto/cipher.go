// Package crypto seals build secrets so they can be stored alongside the build and
// recovered when the build is retried or requeued.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "buildplane build secrets v1"

// ErrNoKey is returned when a sealer is built from an empty key.
var ErrNoKey = errors.New("secrets key is empty")

// Sealer encrypts payloads with AES-256-GCM. Each payload carries its own random nonce.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives an AES-256 key from secret with HKDF-SHA256.
func NewSealer(secret string) (*Sealer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrNoKey
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func (s *Sealer) Open(payload []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, io.ErrUnexpectedEOF
	}
	return s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
}

// SealSecrets encrypts a secret map. An empty map seals to nil.
func (s *Sealer) SealSecrets(secrets map[string]string) ([]byte, error) {
	if len(secrets) == 0 {
		return nil, nil
	}
	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, err
	}
	return s.Seal(plain)
}

// OpenSecrets reverses SealSecrets. A nil payload opens to a nil map.
func (s *Sealer) OpenSecrets(payload []byte) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	plain, err := s.Open(payload)
	if err != nil {
		return nil, fmt.Errorf("open secrets: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return secrets, nil
}
