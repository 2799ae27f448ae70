// Package secretbox encrypts short secrets such as OAuth tokens for storage at rest.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	versionPrefix    = "v1:"
	pbkdf2Iterations = 100000
	keySize          = 32
	defaultSalt      = "repo-insights/github-tokens"
)

// ErrMalformed indicates a sealed value that was not produced by Box.Seal.
var ErrMalformed = errors.New("sealed value is malformed")

// Box seals and opens values with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives a 256-bit key from secret with PBKDF2-SHA256. An empty salt
// uses the built-in default.
func New(secret, salt string) (*Box, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("encryption secret is required")
	}
	if salt == "" {
		salt = defaultSalt
	}

	key := pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Box{aead: aead, rand: rand.Reader}, nil
}

// Seal encrypts plaintext. The empty string seals to the empty string.
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(b.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(sealed, versionPrefix)
	if !ok {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrMalformed
	}
	plaintext, err := b.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt sealed value: %w", err)
	}
	return string(plaintext), nil
}
