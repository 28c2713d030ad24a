// Package secretbox seals provider token secrets before they reach the database.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	keyTime    uint32 = 3
	keyMemory  uint32 = 64 * 1024
	keyThreads uint8  = 2
	keyLen     uint32 = 32

	sealedPrefix = "v1:"
)

var errMalformed = errors.New("secretbox: malformed ciphertext")

// Sealer encrypts and decrypts short secrets.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Box is an AES-256-GCM Sealer keyed from a passphrase with argon2id.
type Box struct {
	aead cipher.AEAD
}

var _ Sealer = (*Box)(nil)

// New derives the key from passphrase and salt. Both must stay stable for
// previously sealed values to remain readable.
func New(passphrase, salt string) (*Box, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("secretbox: passphrase required")
	}
	if salt == "" {
		salt = "jupiter-token-encryption"
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), keyTime, keyMemory, keyThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secretbox: gcm: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal returns "v1:" followed by base64(nonce || ciphertext).
func (b *Box) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (b *Box) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", errMalformed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", errMalformed
	}
	size := b.aead.NonceSize()
	if len(raw) < size {
		return "", errMalformed
	}
	plain, err := b.aead.Open(nil, raw[:size], raw[size:], nil)
	if err != nil {
		return "", fmt.Errorf("secretbox: open: %w", err)
	}
	return string(plain), nil
}
