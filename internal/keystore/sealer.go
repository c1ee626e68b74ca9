package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters: interactive-strength derivation, run once at startup.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Sealer encrypts keystore values with AES-256-GCM under a key derived from
// a device secret. The bundle identity is the derivation salt, so two apps
// sharing a device secret still produce distinct keys.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret and salt and returns a
// ready-to-use Sealer.
func NewSealer(secret, salt string) (*Sealer, error) {
	key, err := scrypt.Key([]byte(secret), []byte(salt), scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}
	return plaintext, nil
}
